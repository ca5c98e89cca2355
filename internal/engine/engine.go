// Package engine orchestrates one reconcile cycle: resolve the policy's
// domains, fetch provider ranges, build the allow sets, compile the
// ruleset, apply it atomically, and verify enforcement. The cycle is
// all-or-nothing: any fatal step aborts before the kernel is touched, and
// an apply failure fails closed rather than open.
package engine

import (
	"context"
	"errors"
	"time"

	"grimm.is/egret/internal/allowset"
	"grimm.is/egret/internal/applier"
	"grimm.is/egret/internal/clock"
	"grimm.is/egret/internal/compiler"
	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/metrics"
	"grimm.is/egret/internal/netinfo"
	"grimm.is/egret/internal/policy"
	"grimm.is/egret/internal/rangefetch"
	"grimm.is/egret/internal/resolver"
	"grimm.is/egret/internal/verify"
)

// PreservePatterns are substrings identifying operator rules that must
// survive a rebuild of the managed table. DNS redirects are the common
// case in containerized environments.
var PreservePatterns = []string{"dport 53"}

// Report summarizes one reconcile cycle for the operator.
type Report struct {
	StartedAt          time.Time
	Duration           time.Duration
	WildcardsSkipped   []string
	DomainsResolved    int
	ResolutionFailures map[string]error
	ProviderCIDRs      int
	MalformedDropped   int
	AllowV4            int
	AllowV6            int
	Gateway            string
	Fingerprint        string
	Handle             applier.Handle
	Verify             verify.Report
}

// Engine runs reconcile cycles.
type Engine struct {
	pol      *policy.Policy
	resolver *resolver.Resolver
	fetcher  *rangefetch.Fetcher
	applier  *applier.Applier
	prober   *verify.Prober
	nl       netinfo.Netlinker
	logger   *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver overrides the DNS resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithFetcher overrides the range fetcher.
func WithFetcher(f *rangefetch.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithApplier overrides the ruleset applier.
func WithApplier(a *applier.Applier) Option {
	return func(e *Engine) { e.applier = a }
}

// WithProber overrides the verification prober.
func WithProber(p *verify.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithNetlinker overrides host network discovery.
func WithNetlinker(nl netinfo.Netlinker) Option {
	return func(e *Engine) { e.nl = nl }
}

// New creates an Engine for the given policy.
func New(pol *policy.Policy, opts ...Option) *Engine {
	e := &Engine{
		pol:      pol,
		resolver: resolver.New(),
		fetcher:  rangefetch.New(),
		applier:  applier.New(),
		prober:   verify.New(),
		nl:       netinfo.DefaultNetlinker,
		logger:   logging.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one full cycle. The returned error is fatal: a provider
// outage, an apply failure, or a blocked probe that connected.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	script, rep, err := e.Plan(ctx)
	if err != nil {
		metrics.AppliesTotal.WithLabelValues("aborted").Inc()
		return rep, err
	}

	for _, w := range rep.WildcardsSkipped {
		e.logger.Warn("wildcard domain cannot be compiled, skipping", "domain", w)
	}
	metrics.AllowSetSize.WithLabelValues("v4").Set(float64(rep.AllowV4))
	metrics.AllowSetSize.WithLabelValues("v6").Set(float64(rep.AllowV6))

	rep.Handle, err = e.applier.Apply(script, rep.Fingerprint)
	rep.Duration = clock.Since(rep.StartedAt)
	if err != nil {
		metrics.AppliesTotal.WithLabelValues("failed").Inc()
		return rep, err
	}
	metrics.AppliesTotal.WithLabelValues("ok").Inc()
	metrics.ApplyDuration.Observe(rep.Duration.Seconds())

	verifyCfg := policy.Verify{}
	if e.pol.Verify != nil {
		verifyCfg = *e.pol.Verify
	}
	rep.Verify, err = e.prober.Run(ctx, verifyCfg, rep.Gateway)
	rep.Duration = clock.Since(rep.StartedAt)
	if err != nil {
		return rep, err
	}

	e.logger.Info("reconcile complete",
		"hash", rep.Fingerprint,
		"allow_v4", rep.AllowV4,
		"allow_v6", rep.AllowV6,
		"resolved", rep.DomainsResolved,
		"failures", len(rep.ResolutionFailures),
		"changed", rep.Handle.Changed,
		"duration", rep.Duration)
	return rep, nil
}

// BuildAllowSets resolves domains, fetches provider ranges, and merges
// them with the static CIDRs into one deduplicated pair of sets.
func (e *Engine) BuildAllowSets(ctx context.Context, rep *Report) (allowset.Pair, error) {
	sets := allowset.NewPair()

	res := e.resolver.Resolve(ctx, e.pol.ExactDomains())
	rep.DomainsResolved = res.Resolved()
	rep.ResolutionFailures = res.Failures
	metrics.ResolutionsTotal.WithLabelValues("ok").Add(float64(res.Resolved()))
	metrics.ResolutionsTotal.WithLabelValues("failed").Add(float64(len(res.Failures)))
	for domain, ferr := range res.Failures {
		e.logger.Warn("domain resolution failed, continuing without it", "domain", domain, "error", ferr)
	}

	for _, ep := range res.Endpoints {
		if err := sets.Add(ep.Address.String()); err != nil {
			rep.MalformedDropped++
			e.logger.Warn("dropping unusable endpoint", "domain", ep.Source, "error", err)
		}
	}

	if e.pol.Allow != nil {
		for _, c := range e.pol.Allow.CIDRs {
			if err := sets.Add(c); err != nil {
				rep.MalformedDropped++
				e.logger.Warn("dropping malformed static cidr", "cidr", c, "error", err)
			}
		}
	}

	rangeSets, err := e.fetcher.FetchAll(ctx, e.pol.Provider)
	if err != nil {
		// Fail fast: a policy applied without a provider's ranges would
		// silently break everything that depends on them.
		return sets, err
	}
	for _, rs := range rangeSets {
		rep.MalformedDropped += rs.Malformed
		for _, c := range rs.CIDRs {
			if err := sets.Add(c); err != nil {
				rep.MalformedDropped++
			}
		}
		rep.ProviderCIDRs += len(rs.CIDRs)
	}

	return sets, nil
}

// Plan runs the resolve and compile stages without touching the kernel
// and returns the script that an apply would install.
func (e *Engine) Plan(ctx context.Context) (string, Report, error) {
	rep := Report{StartedAt: clock.Now()}
	rep.WildcardsSkipped = e.pol.WildcardDomains()

	sets, err := e.BuildAllowSets(ctx, &rep)
	if err != nil {
		return "", rep, err
	}
	rep.AllowV4 = sets.V4.Len()
	rep.AllowV6 = sets.V6.Len()

	info, err := netinfo.Discover(e.nl)
	if err != nil {
		e.logger.Warn("host network discovery failed", "error", err)
	}
	rep.Gateway = info.Gateway

	var preserved []compiler.Preserved
	if dump, ok := e.applier.CurrentTable(); ok {
		preserved = applier.ExtractPreserved(dump, PreservePatterns)
	}

	script, fingerprint, err := compiler.Compile(compiler.Input{
		Policy:       e.pol,
		Sets:         sets,
		HostNetworks: info.HostNetworks,
		Preserved:    preserved,
	})
	rep.Fingerprint = fingerprint
	rep.Duration = clock.Since(rep.StartedAt)
	return script, rep, err
}

// Teardown removes the managed table.
func (e *Engine) Teardown() error {
	return e.applier.Delete()
}

// Lockdown installs the minimal deny-all table.
func (e *Engine) Lockdown() error {
	return e.applier.Lockdown()
}

// IsProviderOutage reports whether err is the fail-fast provider case.
func IsProviderOutage(err error) bool {
	return errors.Is(err, rangefetch.ErrProviderUnavailable)
}
