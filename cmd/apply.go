package cmd

import (
	"context"
	"fmt"
	"os"

	"grimm.is/egret/internal/engine"
)

// RunApply runs one reconcile cycle and exits. With dryRun the compiled
// script is printed instead of installed.
func RunApply(policyFile string, dryRun bool) error {
	pol, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}

	eng := engine.New(pol)
	ctx := context.Background()

	if dryRun {
		script, rep, err := eng.Plan(ctx)
		if err != nil {
			return err
		}
		fmt.Print(script)
		fmt.Fprintf(os.Stderr, "\n# %d v4 / %d v6 elements, hash %s (not applied)\n",
			rep.AllowV4, rep.AllowV6, rep.Fingerprint)
		return nil
	}

	rep, err := eng.Reconcile(ctx)
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

// RunTeardown removes the managed table.
func RunTeardown() error {
	return engine.New(nil).Teardown()
}

// RunLockdown installs the minimal deny-all table immediately, without
// resolving anything. Meant for incident response.
func RunLockdown() error {
	return engine.New(nil).Lockdown()
}
