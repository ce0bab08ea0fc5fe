package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leakwatch/internal/model"
	"leakwatch/internal/result"
)

func newMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(time.Unix(1700000000, 0))
	return m
}

func TestResolve_FallsBackToSecondProvider(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB, hitsC atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a/1.2.3.4":
			hitsA.Add(1)
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		case "/b/1.2.3.4":
			hitsB.Add(1)
			_, _ = w.Write([]byte(`{"status":"success","query":"1.2.3.4","country":"JP","regionName":"Tokyo","city":"Tokyo","lat":35.6,"lon":139.6,"timezone":"Asia/Tokyo","isp":"Acme"}`))
		default:
			hitsC.Add(1)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mock := newMockClock()
	agg, err := New([]Provider{
		{Name: "a", Endpoint: srv.URL + "/a/{ip}", Format: FormatIPAPICo},
		{Name: "b", Endpoint: srv.URL + "/b/{ip}", Format: FormatIPAPICom},
		{Name: "c", Endpoint: srv.URL + "/c/{ip}", Format: FormatIPInfo},
	}, WithHTTPClient(srv.Client()), WithClock(mock))
	require.NoError(t, err)

	out := agg.Resolve(context.Background(), "1.2.3.4")
	rec, ok := out.Value()
	require.True(t, ok)
	assert.Equal(t, model.LocationRecord{
		Address:    "1.2.3.4",
		Country:    "JP",
		Region:     "Tokyo",
		City:       "Tokyo",
		Latitude:   "35.6",
		Longitude:  "139.6",
		Timezone:   "Asia/Tokyo",
		ISP:        "Acme",
		ObservedAt: 1700000000,
	}, rec)
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
	assert.Equal(t, int32(0), hitsC.Load())
}

func TestResolve_AllProvidersFailDegradesToUnknown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/garbage":
			_, _ = w.Write([]byte(`<html>nope</html>`))
		case "/fail":
			_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range","query":"10.0.0.1"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	agg, err := New([]Provider{
		{Name: "down", Endpoint: srv.URL + "/down", Format: FormatIPAPICo},
		{Name: "garbage", Endpoint: srv.URL + "/garbage", Format: FormatIPInfo},
		{Name: "fail", Endpoint: srv.URL + "/fail", Format: FormatIPAPICom},
	}, WithHTTPClient(srv.Client()), WithClock(newMockClock()))
	require.NoError(t, err)

	_, err = agg.Lookup(context.Background(), "203.0.113.9")
	require.Error(t, err)
	e, ok := result.As(err)
	require.True(t, ok)
	assert.Equal(t, result.KindProviderExhausted, e.Kind)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	out := agg.Resolve(context.Background(), "203.0.113.9")
	rec, ok := out.Value()
	require.True(t, ok, "resolve must never fail")
	assert.True(t, rec.IsUnknown())
	assert.Equal(t, "203.0.113.9", rec.Address)
	assert.Equal(t, int64(1700000000), rec.ObservedAt)
}

func TestResolve_NoProviders(t *testing.T) {
	t.Parallel()

	agg, err := New(nil)
	require.NoError(t, err)
	rec, ok := agg.Resolve(context.Background(), "8.8.8.8").Value()
	require.True(t, ok)
	assert.True(t, rec.IsUnknown())
}

func TestLookup_CachesSuccessOnly(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ip":"8.8.8.8","country":"US","region":"California","city":"Mountain View","loc":"37.4056,-122.0775","timezone":"America/Los_Angeles","org":"AS15169 Google LLC"}`))
	}))
	defer srv.Close()

	agg, err := New([]Provider{{Name: "ipinfo", Endpoint: srv.URL + "/{ip}/json", Format: FormatIPInfo}},
		WithHTTPClient(srv.Client()), WithClock(newMockClock()), WithCache(8, time.Hour))
	require.NoError(t, err)

	rec, _ := agg.Resolve(context.Background(), "8.8.8.8").Value()
	assert.True(t, rec.IsUnknown())

	healthy.Store(true)
	rec, err = agg.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "37.4056", rec.Latitude)
	assert.Equal(t, "-122.0775", rec.Longitude)
	assert.Equal(t, "AS15169 Google LLC", rec.ISP)

	_, err = agg.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestLookup_RateLimitedProviderIsSkipped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/first":
			_, _ = w.Write([]byte(`{"ip":"1.1.1.1","country_name":"Australia","region":"Queensland","city":"Brisbane","latitude":-27.4766,"longitude":153.0166,"timezone":"Australia/Brisbane","org":"CLOUDFLARENET"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"success","query":"1.1.1.1","country":"Australia","regionName":"QLD","city":"South Brisbane","lat":-27.4766,"lon":153.0166,"timezone":"Australia/Brisbane","isp":"Cloudflare, Inc"}`))
		}
	}))
	defer srv.Close()

	agg, err := New([]Provider{
		{Name: "first", Endpoint: srv.URL + "/first", Format: FormatIPAPICo, RatePerMinute: 1},
		{Name: "second", Endpoint: srv.URL + "/second", Format: FormatIPAPICom},
	}, WithHTTPClient(srv.Client()), WithCache(0, 0))
	require.NoError(t, err)

	rec, err := agg.Lookup(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "Brisbane", rec.City)
	assert.Equal(t, "-27.4766", rec.Latitude)

	rec, err = agg.Lookup(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "South Brisbane", rec.City)
}

func TestLookup_ProviderTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	agg, err := New([]Provider{{Name: "slow", Endpoint: srv.URL, Format: FormatIPAPICo, Timeout: 50 * time.Millisecond}},
		WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = agg.Lookup(context.Background(), "9.9.9.9")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := New([]Provider{{Name: "x", Endpoint: "https://example.test", Format: "freegeoip"}})
	require.ErrorIs(t, err, ErrUnknownFormat)

	_, err = New([]Provider{{Name: "x", Format: FormatIPInfo}})
	require.Error(t, err)
}

func TestFirstSuccess(t *testing.T) {
	t.Parallel()

	var failed []string
	v, err := FirstSuccess(context.Background(), []string{"a", "b", "c"}, func(_ context.Context, s string) (int, error) {
		if s == "b" {
			return 2, nil
		}
		return 0, errors.New(s + " down")
	}, func(s string, _ error) { failed = append(failed, s) })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"a"}, failed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = FirstSuccess(ctx, []string{"a"}, func(context.Context, string) (int, error) {
		t.Fatal("must not run after cancellation")
		return 0, nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProviderURL(t *testing.T) {
	t.Parallel()

	defaults := DefaultProviders()
	assert.Equal(t, "https://ipapi.co/203.0.113.1/json/", defaults[0].URL("203.0.113.1"))
	assert.Equal(t, "https://ipapi.co/json/", defaults[0].URL(""))
	assert.Equal(t, "http://ip-api.com/json", defaults[1].URL(""))
	assert.Equal(t, "https://ipinfo.io/json", defaults[2].URL(""))
}
