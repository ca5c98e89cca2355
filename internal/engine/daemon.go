package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/egret/internal/audit"
	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/metrics"
)

// Daemon keeps the policy reconciled: DNS answers drift, provider ranges
// change, and the allow sets must follow. It also hosts the deny-log sink
// and the metrics endpoint.
type Daemon struct {
	engine      *Engine
	sink        *audit.Sink
	interval    time.Duration
	metricsAddr string
	logger      *logging.Logger
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithSink attaches the deny-log sink.
func WithSink(s *audit.Sink) DaemonOption {
	return func(d *Daemon) { d.sink = s }
}

// WithInterval sets the reconcile interval.
func WithInterval(interval time.Duration) DaemonOption {
	return func(d *Daemon) { d.interval = interval }
}

// WithMetricsAddr enables the Prometheus endpoint on the given address.
func WithMetricsAddr(addr string) DaemonOption {
	return func(d *Daemon) { d.metricsAddr = addr }
}

// NewDaemon wraps an Engine in a resident reconcile loop.
func NewDaemon(e *Engine, opts ...DaemonOption) *Daemon {
	d := &Daemon{
		engine:   e,
		interval: 5 * time.Minute,
		logger:   logging.WithComponent("daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run reconciles immediately, then on every tick until ctx is cancelled.
// The first cycle is load-bearing: if it fails fatally the daemon exits
// instead of running unprotected. Later cycles log fatal errors and keep
// the last applied ruleset in force; the kernel table does not expire.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if _, err := d.engine.Reconcile(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := d.engine.Reconcile(ctx); err != nil {
					d.logger.Error("reconcile failed, keeping previous ruleset", "error", err)
				}
			}
		}
	})

	if d.sink != nil {
		g.Go(func() error {
			return d.sink.Run(ctx)
		})
	}

	if d.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: d.metricsAddr, Handler: mux}

		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
