package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"leakwatch/internal/model"
)

const (
	DefaultTimeout = 10 * time.Second
	// CanisterHeader names the remote instance a request is addressed to.
	CanisterHeader = "X-Canister-Id"
)

// Options configure Dial.
type Options struct {
	BaseURL    string
	CanisterID string
	// Local enables the trust bootstrap used against a local replica.
	Local      bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a thin HTTP client for the remote visit service.
type Client struct {
	baseURL    string
	canisterID string
	local      bool
	rootKey    []byte
	http       *http.Client
}

// Dial validates opts and returns a ready client. With opts.Local it fetches
// the replica's root key first, so a broken trust bootstrap fails here rather
// than on first use.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		canisterID: opts.CanisterID,
		local:      opts.Local,
		http:       hc,
	}
	if opts.Local {
		if err := c.fetchRootKey(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewClient creates a client without the trust bootstrap.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Local reports whether the client talks to a local replica.
func (c *Client) Local() bool { return c.local }

// RootKey returns the root key fetched by Dial, if any.
func (c *Client) RootKey() []byte { return append([]byte(nil), c.rootKey...) }

func (c *Client) fetchRootKey(ctx context.Context) error {
	var resp StatusResponse
	if err := c.getJSON(ctx, "/api/v2/status", &resp); err != nil {
		return fmt.Errorf("fetch root key: %w", err)
	}
	if resp.RootKey == "" {
		return fmt.Errorf("fetch root key: %w", ErrNoRootKey)
	}
	key, err := hex.DecodeString(resp.RootKey)
	if err != nil {
		return fmt.Errorf("fetch root key: decode: %w", err)
	}
	c.rootKey = key
	return nil
}

// RecordVisit stores a client-resolved record.
func (c *Client) RecordVisit(ctx context.Context, rec model.LocationRecord) (bool, error) {
	var resp Variant[bool]
	if err := c.postJSON(ctx, "/record-visit", RecordVisitRequest{Record: rec}, &resp); err != nil {
		return false, err
	}
	return resp.Value("record_visit")
}

// RecordVisitFromClient asks the remote to resolve and store address.
func (c *Client) RecordVisitFromClient(ctx context.Context, address string) (model.LocationRecord, error) {
	var resp Variant[model.LocationRecord]
	if err := c.postJSON(ctx, "/record-visit-from-client", RecordIPRequest{IP: address}, &resp); err != nil {
		return model.LocationRecord{}, err
	}
	return resp.Value("record_visit_from_client")
}

// RecordVisitByIP stores a visit for address without returning the record.
func (c *Client) RecordVisitByIP(ctx context.Context, address string) (bool, error) {
	var resp Variant[bool]
	if err := c.postJSON(ctx, "/record-visit-by-ip", RecordIPRequest{IP: address}, &resp); err != nil {
		return false, err
	}
	return resp.Value("record_visit_by_ip")
}

// LatestVisits returns up to count visits, newest first.
func (c *Client) LatestVisits(ctx context.Context, count uint64) ([]model.LocationRecord, error) {
	var resp []model.LocationRecord
	endpoint := "/latest-visits?count=" + strconv.FormatUint(count, 10)
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VisitsPaged returns one page of the visit log.
func (c *Client) VisitsPaged(ctx context.Context, page, pageSize uint64) (model.VisitPage, error) {
	var resp model.VisitPage
	q := url.Values{}
	q.Set("page", strconv.FormatUint(page, 10))
	q.Set("page_size", strconv.FormatUint(pageSize, 10))
	if err := c.getJSON(ctx, "/visits-paged?"+q.Encode(), &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) Stats(ctx context.Context) (model.AggregateStats, error) {
	var resp model.AggregateStats
	if err := c.getJSON(ctx, "/stats", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) CountryStats(ctx context.Context) ([]model.CountryStat, error) {
	var resp []model.CountryStat
	if err := c.getJSON(ctx, "/country-stats", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) MemoryStats(ctx context.Context) (model.MemoryStats, error) {
	var resp model.MemoryStats
	if err := c.getJSON(ctx, "/memory-stats", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// StaticMap asks the remote to render a map and returns its handle.
func (c *Client) StaticMap(ctx context.Context, req model.MapRequest) (string, error) {
	var resp Variant[string]
	if err := c.postJSON(ctx, "/static-map", req, &resp); err != nil {
		return "", err
	}
	return resp.Value("static_map")
}

// IPInfo asks the remote to resolve address without recording a visit.
func (c *Client) IPInfo(ctx context.Context, address string) (model.LocationRecord, error) {
	var resp Variant[model.LocationRecord]
	q := url.Values{}
	q.Set("ip", address)
	if err := c.getJSON(ctx, "/ip-info?"+q.Encode(), &resp); err != nil {
		return model.LocationRecord{}, err
	}
	return resp.Value("fetch_ip_info")
}

// ClearAllData drops every stored visit and resets the counters.
func (c *Client) ClearAllData(ctx context.Context) (bool, error) {
	var cleared bool
	if err := c.postJSON(ctx, "/clear-all-data", struct{}{}, &cleared); err != nil {
		return false, err
	}
	return cleared, nil
}

func (c *Client) Whoami(ctx context.Context) (string, error) {
	var resp WhoamiResponse
	if err := c.getJSON(ctx, "/whoami", &resp); err != nil {
		return "", err
	}
	return resp.Identity, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.canisterID != "" {
		req.Header.Set(CanisterHeader, c.canisterID)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return &StatusError{Code: res.StatusCode, Status: res.Status, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
