package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/egret/internal/audit"
	"grimm.is/egret/internal/engine"
	"grimm.is/egret/internal/logging"
)

// RunDaemon starts the resident mode: reconcile on an interval, capture
// deny events, and serve metrics. Blocks until SIGINT or SIGTERM.
func RunDaemon(policyFile, metricsAddr string, interval time.Duration) error {
	pol, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}
	auditCfg := pol.AuditOrDefault()

	store, err := audit.NewStore(denyDBPath(pol), auditCfg.RetentionDays)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon := engine.NewDaemon(engine.New(pol),
		engine.WithSink(audit.NewSink(store, auditCfg)),
		engine.WithInterval(interval),
		engine.WithMetricsAddr(metricsAddr),
	)

	logging.Info("starting resident mode", "interval", interval, "metrics", metricsAddr)
	return daemon.Run(ctx)
}
