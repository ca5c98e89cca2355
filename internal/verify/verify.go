// Package verify probes the live ruleset after an apply. A blocked target
// that is still reachable means the policy is not actually enforced; that
// is fatal. An allowed target that is unreachable is degraded but safe, so
// it is reported as a warning only.
package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/policy"
)

// ErrEnforcementBroken marks a blocked probe that connected anyway.
var ErrEnforcementBroken = errors.New("verification failed: blocked target is reachable")

// Report summarizes one verification pass.
type Report struct {
	BlockedTarget  string
	BlockedDenied  bool
	AllowedOK      []string
	AllowedFailed  []string
	GatewayProbed  bool
	GatewayOK      bool
	GatewayLatency time.Duration
}

// Warnings returns true when something non-fatal degraded.
func (r Report) Warnings() bool {
	return len(r.AllowedFailed) > 0 || (r.GatewayProbed && !r.GatewayOK)
}

// Prober runs post-apply connectivity checks.
type Prober struct {
	blockedTimeout time.Duration
	allowedTimeout time.Duration
	pingCount      int
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	logger         *logging.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithBlockedTimeout sets how long the blocked probe waits before
// declaring the target unreachable (the desired outcome).
func WithBlockedTimeout(d time.Duration) Option {
	return func(p *Prober) { p.blockedTimeout = d }
}

// WithAllowedTimeout sets the dial timeout for allowed probes.
func WithAllowedTimeout(d time.Duration) Option {
	return func(p *Prober) { p.allowedTimeout = d }
}

// WithDialer overrides the dial function (tests).
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(p *Prober) { p.dial = dial }
}

// New creates a Prober. The blocked probe gets a short timeout on purpose:
// a reject rule answers immediately, and a silent drop elsewhere still
// counts as denied.
func New(opts ...Option) *Prober {
	d := &net.Dialer{}
	p := &Prober{
		blockedTimeout: 2 * time.Second,
		allowedTimeout: 5 * time.Second,
		pingCount:      3,
		dial:           d.DialContext,
		logger:         logging.WithComponent("verify"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the configured probes. The returned error is non-nil only
// for the fatal case: the blocked target accepted a connection.
func (p *Prober) Run(ctx context.Context, cfg policy.Verify, gateway string) (Report, error) {
	rep := Report{BlockedTarget: cfg.BlockedProbe}

	if cfg.BlockedProbe != "" {
		denied := !p.reachable(ctx, cfg.BlockedProbe, p.blockedTimeout)
		rep.BlockedDenied = denied
		if !denied {
			p.logger.Error("blocked probe target is reachable", "target", cfg.BlockedProbe)
			return rep, fmt.Errorf("%w: %s", ErrEnforcementBroken, cfg.BlockedProbe)
		}
		p.logger.Info("blocked probe denied as expected", "target", cfg.BlockedProbe)
	}

	for _, target := range cfg.AllowedProbes {
		if p.reachable(ctx, target, p.allowedTimeout) {
			rep.AllowedOK = append(rep.AllowedOK, target)
			continue
		}
		rep.AllowedFailed = append(rep.AllowedFailed, target)
		p.logger.Warn("allowed probe target unreachable", "target", target)
	}

	if cfg.PingGateway && gateway != "" {
		rep.GatewayProbed = true
		rep.GatewayOK, rep.GatewayLatency = p.pingGateway(ctx, gateway)
		if !rep.GatewayOK {
			p.logger.Warn("gateway did not answer ping", "gateway", gateway)
		}
	}

	return rep, nil
}

// reachable dials the target once. Targets without a port default to 443.
func (p *Prober) reachable(ctx context.Context, target string, timeout time.Duration) bool {
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) pingGateway(ctx context.Context, gateway string) (bool, time.Duration) {
	pinger, err := probing.NewPinger(gateway)
	if err != nil {
		return false, 0
	}
	pinger.Count = p.pingCount
	pinger.Timeout = p.allowedTimeout
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, 0
	}
	stats := pinger.Statistics()
	return stats.PacketsRecv > 0, stats.AvgRtt
}
