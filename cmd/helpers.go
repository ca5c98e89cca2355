// Package cmd implements the CLI subcommands.
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/egret/internal/brand"
	"grimm.is/egret/internal/engine"
	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/policy"
)

// loadPolicy reads the policy file and configures logging from it.
func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		path = brand.DefaultPolicyPath()
	}

	pol, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", path, err)
	}

	cfg := logging.DefaultConfig()
	cfg.JSON = pol.JSONLogs
	switch strings.ToLower(pol.LogLevel) {
	case "debug":
		cfg.Level = logging.LevelDebug
	case "warn":
		cfg.Level = logging.LevelWarn
	case "error":
		cfg.Level = logging.LevelError
	}
	logging.SetDefault(logging.New(cfg))

	return pol, nil
}

// denyDBPath resolves the deny-record database location.
func denyDBPath(pol *policy.Policy) string {
	audit := pol.AuditOrDefault()
	if audit.DBPath != "" {
		return audit.DBPath
	}
	return filepath.Join(brand.GetStateDir(), "deny.db")
}

func printReport(rep engine.Report) {
	fmt.Printf("Applied:      %v (hash %s)\n", rep.Handle.Changed, rep.Fingerprint)
	fmt.Printf("Allow set:    %d v4, %d v6 elements\n", rep.AllowV4, rep.AllowV6)
	fmt.Printf("Domains:      %d resolved, %d failed\n", rep.DomainsResolved, len(rep.ResolutionFailures))
	if rep.ProviderCIDRs > 0 {
		fmt.Printf("Providers:    %d ranges\n", rep.ProviderCIDRs)
	}
	if rep.MalformedDropped > 0 {
		fmt.Printf("Dropped:      %d malformed entries\n", rep.MalformedDropped)
	}
	for _, w := range rep.WildcardsSkipped {
		fmt.Printf("Skipped:      %s (wildcards are not supported, list names explicitly)\n", w)
	}
	for domain, err := range rep.ResolutionFailures {
		fmt.Printf("Unresolved:   %s (%v)\n", domain, err)
	}
	if rep.Verify.BlockedTarget != "" {
		fmt.Printf("Blocked probe: %s denied=%v\n", rep.Verify.BlockedTarget, rep.Verify.BlockedDenied)
	}
	for _, t := range rep.Verify.AllowedFailed {
		fmt.Printf("Warning:      allowed target unreachable: %s\n", t)
	}
	fmt.Printf("Duration:     %s\n", rep.Duration.Round(time.Millisecond))
}
