// Package rangefetch pulls bulk CIDR ranges from providers that publish
// them as a JSON document with keyed arrays (e.g. a git-hosting provider's
// meta endpoint). Unlike per-domain resolution, a provider failure is fatal
// for the run: proceeding without a major provider's entire range would
// break core functionality invisibly, which must surface loudly instead.
package rangefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"grimm.is/egret/internal/brand"
	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/metrics"
	"grimm.is/egret/internal/policy"
	"grimm.is/egret/internal/retry"
)

// ErrProviderUnavailable marks a provider whose ranges could not be
// obtained. Callers must treat this as fatal and not apply a policy.
var ErrProviderUnavailable = errors.New("range provider unavailable")

// RangeSet is the validated output of one provider fetch.
type RangeSet struct {
	Provider  string
	CIDRs     []string
	Malformed int
}

// Fetcher retrieves provider range documents with bounded retry.
type Fetcher struct {
	client   *http.Client
	retryCfg retry.Config
	logger   *logging.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(f *Fetcher) { f.retryCfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher with sane network defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		retryCfg: retry.DefaultConfig(),
		logger:   logging.WithComponent("rangefetch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads and validates one provider's ranges. Transport errors
// and 5xx responses are retried; exhaustion or a malformed document yields
// ErrProviderUnavailable. Individual malformed CIDRs inside a valid
// document are dropped with a warning, not fatal.
func (f *Fetcher) Fetch(ctx context.Context, prov policy.Provider) (RangeSet, error) {
	start := time.Now()
	defer func() {
		metrics.ProviderFetchDuration.WithLabelValues(prov.Name).Observe(time.Since(start).Seconds())
	}()

	cfg := f.retryCfg
	cfg.RetryableErrors = []error{retry.ErrTemporary}

	body, err := retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
		return f.get(ctx, prov.URL)
	})
	if err != nil {
		return RangeSet{}, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, prov.Name, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return RangeSet{}, fmt.Errorf("%w: %s: invalid JSON: %v", ErrProviderUnavailable, prov.Name, err)
	}

	rs := RangeSet{Provider: prov.Name}
	seen := make(map[string]bool)

	for _, key := range prov.Keys {
		raw, ok := doc[key]
		if !ok {
			// A missing required key means the document shape changed;
			// treat it like an unreachable provider.
			return RangeSet{}, fmt.Errorf("%w: %s: response missing key %q", ErrProviderUnavailable, prov.Name, key)
		}

		var entries []string
		if err := json.Unmarshal(raw, &entries); err != nil {
			return RangeSet{}, fmt.Errorf("%w: %s: key %q is not a string array", ErrProviderUnavailable, prov.Name, key)
		}

		for _, entry := range entries {
			if !validCIDR(entry) {
				rs.Malformed++
				f.logger.Warn("dropping malformed range entry", "provider", prov.Name, "key", key, "entry", entry)
				continue
			}
			if !seen[entry] {
				seen[entry] = true
				rs.CIDRs = append(rs.CIDRs, entry)
			}
		}
	}

	sort.Strings(rs.CIDRs)

	f.logger.Info("fetched provider ranges",
		"provider", prov.Name, "cidrs", len(rs.CIDRs), "malformed", rs.Malformed)
	return rs, nil
}

// FetchAll fetches every configured provider, stopping at the first
// failure (fail-fast, not fail-open).
func (f *Fetcher) FetchAll(ctx context.Context, provs []policy.Provider) ([]RangeSet, error) {
	sets := make([]RangeSet, 0, len(provs))
	for _, prov := range provs {
		rs, err := f.Fetch(ctx, prov)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", brand.UserAgent(brand.Version))
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, retry.WrapTemporary(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, retry.WrapTemporary(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func validCIDR(entry string) bool {
	if _, _, err := net.ParseCIDR(entry); err == nil {
		return true
	}
	return net.ParseIP(entry) != nil
}
