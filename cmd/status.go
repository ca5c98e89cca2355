package cmd

import (
	"fmt"
	"strings"

	"grimm.is/egret/internal/applier"
	"grimm.is/egret/internal/audit"
	"grimm.is/egret/internal/brand"
)

// RunStatus prints whether the managed table is installed and what it
// carries, without requiring a policy file.
func RunStatus(policyFile string) error {
	// Presence check over netlink first; a missing table needs no dump.
	if installed, err := applier.TableInstalled(); err == nil && !installed {
		fmt.Printf("Table:    inet %s NOT INSTALLED\n", brand.TableName)
		fmt.Println("The environment is not protected. Run: " + brand.BinaryName + " apply")
		return nil
	}

	dump, ok := applier.New().CurrentTable()
	if !ok {
		fmt.Printf("Table:    inet %s NOT INSTALLED\n", brand.TableName)
		fmt.Println("The environment is not protected. Run: " + brand.BinaryName + " apply")
		return nil
	}

	fmt.Printf("Table:    inet %s installed\n", brand.TableName)
	if hash := applier.CurrentFingerprint(dump); hash != "" {
		fmt.Printf("Hash:     %s\n", hash)
	} else {
		fmt.Println("Hash:     unknown (table not written by this tool?)")
	}
	fmt.Printf("Chains:   %d\n", strings.Count(dump, "type filter hook"))
	fmt.Printf("Sets:     %d populated\n", strings.Count(dump, "elements = "))

	// Deny-record totals when a policy (and thus a DB path) is available.
	if pol, err := loadPolicy(policyFile); err == nil {
		store, err := audit.NewStore(denyDBPath(pol), pol.AuditOrDefault().RetentionDays)
		if err == nil {
			defer store.Close()
			if n, err := store.Count(); err == nil {
				fmt.Printf("Denials:  %d recorded\n", n)
			}
		}
	}
	return nil
}
