package cmd

import (
	"fmt"
)

// RunCheck validates a policy file without resolving or applying anything.
func RunCheck(policyFile string, verbose bool) error {
	pol, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}

	exact := pol.ExactDomains()
	wild := pol.WildcardDomains()

	fmt.Println("Policy OK")
	fmt.Printf("  Domains:    %d", len(exact))
	if len(wild) > 0 {
		fmt.Printf(" (+%d wildcards that will be SKIPPED)", len(wild))
	}
	fmt.Println()
	if pol.Allow != nil {
		fmt.Printf("  CIDRs:      %d static\n", len(pol.Allow.CIDRs))
	}
	fmt.Printf("  Providers:  %d\n", len(pol.Provider))
	fmt.Printf("  Ports:      %v (ssh %d)\n", pol.Ports(), pol.SSHPort())

	audit := pol.AuditOrDefault()
	fmt.Printf("  Audit:      group %d, %d/min burst %d, retention %dd\n",
		audit.NFLogGroup, audit.RatePerMinute, audit.Burst, audit.RetentionDays)

	if verbose {
		for _, d := range exact {
			fmt.Printf("    allow %s\n", d)
		}
		for _, w := range wild {
			fmt.Printf("    SKIP  %s (wildcard)\n", w)
		}
		for _, p := range pol.Provider {
			fmt.Printf("    provider %q %s keys=%v\n", p.Name, p.URL, p.Keys)
		}
	}
	return nil
}
