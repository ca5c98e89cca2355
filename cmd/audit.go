package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"grimm.is/egret/internal/audit"
	"grimm.is/egret/internal/clock"
)

// RunAudit queries the deny-record database.
func RunAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	policyFile := fs.String("config", "", "Policy file (for the database location)")
	since := fs.Duration("since", 24*time.Hour, "How far back to query")
	direction := fs.String("direction", "", "Filter by direction (in|out)")
	limit := fs.Int("limit", 100, "Maximum records to print")
	asJSON := fs.Bool("json", false, "Emit JSON lines")
	fs.Parse(args)

	pol, err := loadPolicy(*policyFile)
	if err != nil {
		return err
	}

	store, err := audit.NewStore(denyDBPath(pol), pol.AuditOrDefault().RetentionDays)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Query(clock.Now().Add(-*since), clock.Now(), *direction, *limit)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, rec := range recs {
			enc.Encode(rec)
		}
		return nil
	}

	if len(recs) == 0 {
		fmt.Println("No denials recorded in the window.")
		return nil
	}
	for _, rec := range recs {
		ts := rec.Timestamp.Format(time.RFC3339)
		if rec.IsMarker() {
			fmt.Printf("%s  %s/%s  [%d records suppressed by rate limit]\n",
				ts, rec.Direction, rec.Family, rec.Suppressed)
			continue
		}
		fmt.Printf("%s  %s/%s  %-5s %s:%d -> %s:%d\n",
			ts, rec.Direction, rec.Family, rec.Protocol,
			rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort)
	}
	return nil
}
