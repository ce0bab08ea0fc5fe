package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leakwatch/internal/model"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.RecordVisitByIP(context.Background(), "8.8.8.8")
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if got == "" || got[len(got)-1] == '\n' {
		t.Fatalf("unexpected error string: %q", got)
	}
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("got=%T %v", err, err)
	}
}

func TestClient_ErrVariantIsRejected(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"err":"invalid ip address"}`))
	}))
	defer s.Close()

	_, err := NewClient(s.URL).RecordVisitFromClient(context.Background(), "not-an-ip")
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "invalid ip address", rej.Message)
	assert.Equal(t, "record_visit_from_client", rej.Op)
}

func TestClient_NullOkCaseIsMalformed(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":null}`))
	}))
	defer s.Close()

	rec, err := NewClient(s.URL).RecordVisitFromClient(context.Background(), "8.8.8.8")
	require.ErrorIs(t, err, ErrMalformedVariant)
	assert.Equal(t, model.LocationRecord{}, rec)
}

func TestClient_RequestShapes(t *testing.T) {
	t.Parallel()

	var seen []string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI()+" "+r.Header.Get(CanisterHeader))
		switch r.URL.Path {
		case "/record-visit":
			var req RecordVisitRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "JP", req.Record.Country)
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/latest-visits":
			_, _ = w.Write([]byte(`[{"ip":"1.2.3.4","country":"JP","timestamp":5}]`))
		case "/visits-paged":
			_, _ = w.Write([]byte(`{"visits":[],"total_pages":3,"current_page":1,"total_items":25}`))
		case "/stats":
			_, _ = w.Write([]byte(`{"total_visits":25,"unique_countries":4}`))
		case "/static-map":
			_, _ = w.Write([]byte(`{"ok":"map-7f3a"}`))
		case "/whoami":
			_, _ = w.Write([]byte(`{"identity":"visit-log-1"}`))
		case "/ip-info":
			_, _ = w.Write([]byte(`{"ok":{"ip":"8.8.8.8","country":"United States","timestamp":9}}`))
		case "/clear-all-data":
			_, _ = w.Write([]byte(`true`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer s.Close()

	ctx := context.Background()
	c, err := Dial(ctx, Options{BaseURL: s.URL + "/", CanisterID: "rrkah-fqaaa"})
	require.NoError(t, err)

	ok, err := c.RecordVisit(ctx, model.LocationRecord{Address: "1.2.3.4", Country: "JP"})
	require.NoError(t, err)
	assert.True(t, ok)

	visits, err := c.LatestVisits(ctx, 1)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, int64(5), visits[0].ObservedAt)

	page, err := c.VisitsPaged(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), page.TotalPages)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.AggregateStats{TotalVisits: 25, UniqueCountries: 4}, stats)

	handle, err := c.StaticMap(ctx, model.MapRequest{Lat: "35.6", Lon: "139.6"})
	require.NoError(t, err)
	assert.Equal(t, "map-7f3a", handle)

	id, err := c.Whoami(ctx)
	require.NoError(t, err)
	assert.Equal(t, "visit-log-1", id)

	info, err := c.IPInfo(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "United States", info.Country)

	cleared, err := c.ClearAllData(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)

	assert.Equal(t, []string{
		"POST /record-visit rrkah-fqaaa",
		"GET /latest-visits?count=1 rrkah-fqaaa",
		"GET /visits-paged?page=1&page_size=10 rrkah-fqaaa",
		"GET /stats rrkah-fqaaa",
		"POST /static-map rrkah-fqaaa",
		"GET /whoami rrkah-fqaaa",
		"GET /ip-info?ip=8.8.8.8 rrkah-fqaaa",
		"POST /clear-all-data rrkah-fqaaa",
	}, seen)
}

func TestDial_LocalFetchesRootKey(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/status" {
			_, _ = w.Write([]byte(`{"root_key":"00ff10"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer s.Close()

	c, err := Dial(context.Background(), Options{BaseURL: s.URL, Local: true})
	require.NoError(t, err)
	assert.True(t, c.Local())
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, c.RootKey())
}

func TestDial_LocalBootstrapFailure(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer s.Close()

	_, err := Dial(context.Background(), Options{BaseURL: s.URL, Local: true})
	require.ErrorIs(t, err, ErrNoRootKey)
	assert.Contains(t, err.Error(), "root key")
}

func TestDial_InvalidBaseURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://x", "http://", "::"} {
		_, err := Dial(context.Background(), Options{BaseURL: u})
		assert.ErrorIs(t, err, ErrInvalidBaseURL, u)
	}
}

func TestVariant_ExactlyOneCase(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`{}`, `{"ok":true,"err":"x"}`, `{"err":null}`, `{"ok":null}`, `{"ok":true,"extra":1}`} {
		var v Variant[bool]
		assert.ErrorIs(t, json.Unmarshal([]byte(in), &v), ErrMalformedVariant, in)
	}

	var v Variant[bool]
	require.NoError(t, json.Unmarshal([]byte(`{"ok":false}`), &v))
	got, err := v.Value("op")
	require.NoError(t, err)
	assert.False(t, got)

	b, err := json.Marshal(ErrVariant[bool]("duplicate"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"err":"duplicate"}`, string(b))

	_, err = json.Marshal(Variant[bool]{})
	assert.Error(t, err)
}
