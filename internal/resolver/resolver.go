// Package resolver turns allow-listed domains into their current A/AAAA
// address sets. Lookups run concurrently with a bounded worker pool; a
// domain that fails to resolve degrades the allow set with a warning but
// never aborts the batch.
package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"grimm.is/egret/internal/allowset"
	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/retry"
)

// Endpoint is one resolved address, traceable to the domain it came from.
type Endpoint struct {
	Source  string
	Family  allowset.Family
	Address net.IP
	// TTL is the record's TTL hint; zero means unknown.
	TTL time.Duration
}

// Result aggregates a full resolution cycle. Failures are per-domain and
// recoverable: the affected domain simply contributes no endpoints.
type Result struct {
	Endpoints []Endpoint
	Failures  map[string]error
}

// Resolved returns the number of domains that produced at least one address.
func (r Result) Resolved() int {
	seen := make(map[string]bool)
	for _, ep := range r.Endpoints {
		seen[ep.Source] = true
	}
	return len(seen)
}

// Resolver issues A and AAAA queries against the configured upstreams.
type Resolver struct {
	client    *dns.Client
	upstreams []string
	timeout   time.Duration
	workers   int
	retryCfg  retry.Config
	logger    *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithUpstreams overrides the nameservers (host:port).
func WithUpstreams(servers ...string) Option {
	return func(r *Resolver) { r.upstreams = servers }
}

// WithTimeout sets the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithWorkers bounds lookup concurrency.
func WithWorkers(n int) Option {
	return func(r *Resolver) { r.workers = n }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(r *Resolver) { r.retryCfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver. Without WithUpstreams, nameservers are read from
// /etc/resolv.conf, falling back to the usual container-internal resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		client:   new(dns.Client),
		timeout:  3 * time.Second,
		workers:  8,
		retryCfg: retry.DefaultConfig(),
		logger:   logging.WithComponent("resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.upstreams) == 0 {
		r.upstreams = systemUpstreams()
	}
	r.client.Timeout = r.timeout
	return r
}

func systemUpstreams() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.11:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// Resolve looks up every domain's A and AAAA records. The returned
// endpoint order is stable (sorted by domain, then address) so downstream
// compilation is deterministic.
func (r *Resolver) Resolve(ctx context.Context, domains []string) Result {
	result := Result{Failures: make(map[string]error)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, domain := range domains {
		domain := domain
		g.Go(func() error {
			eps, err := r.resolveDomain(gctx, domain)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures[domain] = err
				r.logger.Warn("resolution failed", "domain", domain, "error", err)
				return nil // per-domain failures never abort the batch
			}
			result.Endpoints = append(result.Endpoints, eps...)
			return nil
		})
	}
	g.Wait()

	sort.Slice(result.Endpoints, func(i, j int) bool {
		a, b := result.Endpoints[i], result.Endpoints[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Address.String() < b.Address.String()
	})

	return result
}

// resolveDomain queries A and AAAA independently; either may come back
// empty. A domain is only a failure when both yield nothing.
func (r *Resolver) resolveDomain(ctx context.Context, domain string) ([]Endpoint, error) {
	var endpoints []Endpoint
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		eps, err := r.query(ctx, domain, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		endpoints = append(endpoints, eps...)
	}

	if len(endpoints) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no A or AAAA records")
	}
	return endpoints, nil
}

func (r *Resolver) query(ctx context.Context, domain string, qtype uint16) ([]Endpoint, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	resp, err := retry.DoWithResult(ctx, r.retryCfg, func() (*dns.Msg, error) {
		var exchErr error
		for _, upstream := range r.upstreams {
			in, _, err := r.client.ExchangeContext(ctx, msg, upstream)
			if err != nil {
				exchErr = err
				continue
			}
			return in, nil
		}
		return nil, fmt.Errorf("all upstreams failed: %w", exchErr)
	})
	if err != nil {
		return nil, err
	}

	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("query %s %s: rcode %s", domain, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}

	var endpoints []Endpoint
	for _, ans := range resp.Answer {
		ep, ok := r.answerToEndpoint(domain, ans)
		if !ok {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// answerToEndpoint validates a single record. Malformed answers are
// discarded per-record, not per-domain.
func (r *Resolver) answerToEndpoint(domain string, rr dns.RR) (Endpoint, bool) {
	switch rec := rr.(type) {
	case *dns.A:
		if rec.A == nil || rec.A.To4() == nil {
			r.logger.Warn("discarding malformed A record", "domain", domain)
			return Endpoint{}, false
		}
		return Endpoint{
			Source:  domain,
			Family:  allowset.FamilyV4,
			Address: rec.A,
			TTL:     time.Duration(rec.Hdr.Ttl) * time.Second,
		}, true
	case *dns.AAAA:
		if rec.AAAA == nil || rec.AAAA.To16() == nil {
			r.logger.Warn("discarding malformed AAAA record", "domain", domain)
			return Endpoint{}, false
		}
		return Endpoint{
			Source:  domain,
			Family:  allowset.FamilyV6,
			Address: rec.AAAA,
			TTL:     time.Duration(rec.Hdr.Ttl) * time.Second,
		}, true
	default:
		// CNAME chains etc. are followed by the upstream; ignore here.
		return Endpoint{}, false
	}
}
