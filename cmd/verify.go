package cmd

import (
	"context"
	"fmt"

	"grimm.is/egret/internal/netinfo"
	"grimm.is/egret/internal/policy"
	"grimm.is/egret/internal/verify"
)

// RunVerify probes the live ruleset without recompiling anything.
func RunVerify(policyFile string) error {
	pol, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}

	cfg := policy.Verify{}
	if pol.Verify != nil {
		cfg = *pol.Verify
	}
	if cfg.BlockedProbe == "" && len(cfg.AllowedProbes) == 0 && !cfg.PingGateway {
		fmt.Println("No probes configured; add a verify block to the policy.")
		return nil
	}

	info, err := netinfo.Discover(netinfo.DefaultNetlinker)
	if err != nil {
		fmt.Printf("Warning: gateway discovery failed: %v\n", err)
	}

	rep, err := verify.New().Run(context.Background(), cfg, info.Gateway)
	if err != nil {
		return err
	}

	if rep.BlockedTarget != "" {
		fmt.Printf("Blocked probe:  %s denied=%v\n", rep.BlockedTarget, rep.BlockedDenied)
	}
	for _, t := range rep.AllowedOK {
		fmt.Printf("Allowed probe:  %s reachable\n", t)
	}
	for _, t := range rep.AllowedFailed {
		fmt.Printf("Allowed probe:  %s UNREACHABLE (warning)\n", t)
	}
	if rep.GatewayProbed {
		fmt.Printf("Gateway ping:   ok=%v rtt=%s\n", rep.GatewayOK, rep.GatewayLatency)
	}
	return nil
}
