package rangefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/egret/internal/metrics"
	"grimm.is/egret/internal/policy"
	"grimm.is/egret/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func provider(url string, keys ...string) policy.Provider {
	return policy.Provider{Name: "test", URL: url, Keys: keys}
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"web": ["192.0.2.0/24", "2001:db8::/32"],
			"git": ["198.51.100.0/24", "192.0.2.0/24"],
			"ignored": ["203.0.113.0/24"]
		}`))
	}))
	defer srv.Close()

	f := New(WithRetry(fastRetry()))
	rs, err := f.Fetch(context.Background(), provider(srv.URL, "web", "git"))
	require.NoError(t, err)

	// Deduplicated, sorted, and only the requested keys.
	assert.Equal(t, []string{"192.0.2.0/24", "198.51.100.0/24", "2001:db8::/32"}, rs.CIDRs)
	assert.Zero(t, rs.Malformed)
}

func TestFetchDropsMalformedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web": ["192.0.2.0/24", "not-a-cidr", "192.0.2.300/24"]}`))
	}))
	defer srv.Close()

	f := New(WithRetry(fastRetry()))
	rs, err := f.Fetch(context.Background(), provider(srv.URL, "web"))
	require.NoError(t, err, "malformed entries are dropped, not fatal")

	assert.Equal(t, []string{"192.0.2.0/24"}, rs.CIDRs)
	assert.Equal(t, 2, rs.Malformed)
}

func TestFetchServerErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(WithRetry(fastRetry()))
	_, err := f.Fetch(context.Background(), provider(srv.URL, "web"))

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "5xx responses are retried before giving up")
}

func TestFetchMissingKeyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web": ["192.0.2.0/24"]}`))
	}))
	defer srv.Close()

	f := New(WithRetry(fastRetry()))
	_, err := f.Fetch(context.Background(), provider(srv.URL, "web", "git"))

	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), `"git"`)
}

func TestFetchUnreachableProvider(t *testing.T) {
	f := New(WithRetry(fastRetry()), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	_, err := f.Fetch(context.Background(), provider("https://127.0.0.1:1/meta", "web"))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestFetchRecoversAfterTransientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"web": ["192.0.2.0/24"]}`))
	}))
	defer srv.Close()

	f := New(WithRetry(fastRetry()))
	rs, err := f.Fetch(context.Background(), provider(srv.URL, "web"))
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.0/24"}, rs.CIDRs)
}

func TestFetchRecordsLatencyMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web": ["192.0.2.0/24"]}`))
	}))
	defer srv.Close()

	before := testutil.CollectAndCount(metrics.ProviderFetchDuration)
	f := New(WithRetry(fastRetry()))
	_, err := f.Fetch(context.Background(), policy.Provider{Name: "timed", URL: srv.URL, Keys: []string{"web"}})
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.ProviderFetchDuration),
		"each provider gets a latency series")
}

func TestFetchAllStopsAtFirstFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web": ["192.0.2.0/24"]}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	f := New(WithRetry(fastRetry()))
	_, err := f.FetchAll(context.Background(), []policy.Provider{
		provider(good.URL, "web"),
		{Name: "down", URL: bad.URL, Keys: []string{"web"}},
	})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
