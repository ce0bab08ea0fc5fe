// Package devbackend serves the visit-log wire API from memory. It stands in
// for the remote service during local development and in tests.
package devbackend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"leakwatch/internal/api"
	"leakwatch/internal/model"
	"leakwatch/internal/result"
)

const (
	DefaultCapacity = 1000
	DefaultListen   = "127.0.0.1:4943"
	DefaultIdentity = "leakwatch-dev-backend"

	defaultRecent   = 10
	defaultPageSize = 10
	maxPageSize     = 100
	defaultZoom     = 2
	defaultWidth    = 600
	defaultHeight   = 400
)

// Resolver geolocates addresses for server-side resolution.
type Resolver interface {
	Resolve(ctx context.Context, address string) result.Result[model.LocationRecord]
}

type Config struct {
	Listen   string
	Capacity int
	Identity string
	RootKey  []byte
}

// Server keeps the newest Capacity visits. Totals keep counting after old
// visits are evicted.
type Server struct {
	cfg      Config
	resolver Resolver
	clock    clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	visits    []model.LocationRecord
	total     uint64
	countries map[string]uint64
}

type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a server. A nil resolver stores unknown records for
// server-side resolution.
func New(cfg Config, resolver Resolver, opts ...Option) *Server {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}
	if len(cfg.RootKey) == 0 {
		cfg.RootKey = []byte("leakwatch-dev-root-key")
	}
	s := &Server{
		cfg:       cfg,
		resolver:  resolver,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		countries: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/record-visit", s.handleRecordVisit)
	mux.HandleFunc("/record-visit-from-client", s.handleRecordFromClient)
	mux.HandleFunc("/record-visit-by-ip", s.handleRecordByIP)
	mux.HandleFunc("/latest-visits", s.handleLatestVisits)
	mux.HandleFunc("/visits-paged", s.handleVisitsPaged)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/country-stats", s.handleCountryStats)
	mux.HandleFunc("/memory-stats", s.handleMemoryStats)
	mux.HandleFunc("/static-map", s.handleStaticMap)
	mux.HandleFunc("/whoami", s.handleWhoami)
	mux.HandleFunc("/ip-info", s.handleIPInfo)
	mux.HandleFunc("/clear-all-data", s.handleClearAllData)
	mux.HandleFunc("/api/v2/status", s.handleStatus)
	return mux
}

// ListenAndServe runs the HTTP server until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	s.logger.Info("dev backend listening", zap.String("listen", s.cfg.Listen), zap.Int("capacity", s.cfg.Capacity))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RecordVisitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := parseIPv4(req.Record.Address); err != nil {
		writeJSON(w, http.StatusOK, api.ErrVariant[bool](err.Error()))
		return
	}
	rec := req.Record
	if rec.ObservedAt == 0 {
		rec = rec.WithObservedAt(s.clock.Now())
	}
	s.store(rec)
	writeJSON(w, http.StatusOK, api.OkVariant(true))
}

func (s *Server) handleRecordFromClient(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolveRequest(w, r)
	if !ok {
		return
	}
	s.store(rec)
	writeJSON(w, http.StatusOK, api.OkVariant(rec))
}

func (s *Server) handleRecordByIP(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolveRequest(w, r)
	if !ok {
		return
	}
	s.store(rec)
	writeJSON(w, http.StatusOK, api.OkVariant(true))
}

// resolveRequest decodes an address request and resolves it. It writes the
// response itself when it returns false.
func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request) (model.LocationRecord, bool) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return model.LocationRecord{}, false
	}
	var req api.RecordIPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return model.LocationRecord{}, false
	}
	addr, err := parseIPv4(req.IP)
	if err != nil {
		writeJSON(w, http.StatusOK, api.ErrVariant[model.LocationRecord](err.Error()))
		return model.LocationRecord{}, false
	}

	return s.resolve(r.Context(), addr), true
}

// resolve geolocates addr, falling back to an unknown record.
func (s *Server) resolve(ctx context.Context, addr string) model.LocationRecord {
	now := s.clock.Now()
	rec := model.UnknownRecord(addr, now)
	if s.resolver != nil {
		if resolved, ok := s.resolver.Resolve(ctx, addr).Value(); ok {
			rec = resolved.WithAddress(addr).WithObservedAt(now)
		}
	}
	return rec
}

// handleIPInfo resolves an address without storing a visit.
func (s *Server) handleIPInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	addr, err := parseIPv4(r.URL.Query().Get("ip"))
	if err != nil {
		writeJSON(w, http.StatusOK, api.ErrVariant[model.LocationRecord](err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, api.OkVariant(s.resolve(r.Context(), addr)))
}

func (s *Server) handleClearAllData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	dropped := len(s.visits)
	s.visits = nil
	s.total = 0
	s.countries = make(map[string]uint64)
	s.mu.Unlock()
	s.logger.Info("visit log cleared", zap.Int("dropped", dropped))
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) handleLatestVisits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	count, err := queryUint(r.URL.Query(), "count", defaultRecent)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.latest(count))
}

func (s *Server) handleVisitsPaged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	page, err := queryUint(q, "page", 1)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := queryUint(q, "page_size", defaultPageSize)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.page(page, size))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	stats := model.AggregateStats{TotalVisits: s.total, UniqueCountries: uint64(len(s.countries))}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCountryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	out := make([]model.CountryStat, 0, len(s.countries))
	for c, n := range s.countries {
		out = append(out, model.CountryStat{Country: c, VisitCount: n})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].VisitCount != out[j].VisitCount {
			return out[i].VisitCount > out[j].VisitCount
		}
		return out[i].Country < out[j].Country
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	stats := model.MemoryStats{
		TotalVisits:     uint64(len(s.visits)),
		BufferCapacity:  uint64(s.cfg.Capacity),
		UniqueCountries: uint64(len(s.countries)),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStaticMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req model.MapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle, err := renderMapHandle(req)
	if err != nil {
		writeJSON(w, http.StatusOK, api.ErrVariant[string](err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, api.OkVariant(handle))
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.WhoamiResponse{Identity: s.cfg.Identity})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{RootKey: hex.EncodeToString(s.cfg.RootKey)})
}

func (s *Server) store(rec model.LocationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.visits) >= s.cfg.Capacity {
		s.visits = append(s.visits[:0], s.visits[1:]...)
	}
	s.visits = append(s.visits, rec)
	s.total++
	if rec.Country != "" && rec.Country != model.Unknown {
		s.countries[rec.Country]++
	}
	s.logger.Debug("visit stored", zap.String("ip", model.MaskAddress(rec.Address)), zap.String("country", rec.Country))
}

// latest returns up to n visits, newest first.
func (s *Server) latest(n uint64) []model.LocationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > uint64(len(s.visits)) {
		n = uint64(len(s.visits))
	}
	out := make([]model.LocationRecord, 0, n)
	for i := len(s.visits) - 1; i >= 0 && uint64(len(out)) < n; i-- {
		out = append(out, s.visits[i])
	}
	return out
}

// page returns 1-based page of visits, newest first.
func (s *Server) page(page, size uint64) model.VisitPage {
	if page == 0 {
		page = 1
	}
	if size == 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	all := s.latest(^uint64(0))
	total := uint64(len(all))
	out := model.VisitPage{
		Visits:      []model.LocationRecord{},
		TotalPages:  (total + size - 1) / size,
		CurrentPage: page,
		TotalItems:  total,
	}
	if total == 0 || page-1 > (total-1)/size {
		return out
	}
	start := (page - 1) * size
	end := min(start+size, total)
	out.Visits = all[start:end]
	return out
}

func renderMapHandle(req model.MapRequest) (string, error) {
	if !model.ValidCoordinates(req.Lat, req.Lon) {
		return "", fmt.Errorf("invalid coordinates %q,%q", req.Lat, req.Lon)
	}
	zoom := uint8(defaultZoom)
	if req.Zoom != nil {
		zoom = *req.Zoom
	}
	if zoom < 1 || zoom > 18 {
		return "", fmt.Errorf("zoom %d out of range 1..18", zoom)
	}
	width, height := uint16(defaultWidth), uint16(defaultHeight)
	if req.Width != nil {
		width = *req.Width
	}
	if req.Height != nil {
		height = *req.Height
	}
	if width == 0 || height == 0 || width > 1280 || height > 1280 {
		return "", fmt.Errorf("size %dx%d out of range", width, height)
	}

	q := url.Values{}
	q.Set("center", req.Lat+","+req.Lon)
	q.Set("zoom", strconv.Itoa(int(zoom)))
	q.Set("size", fmt.Sprintf("%dx%d", width, height))
	for _, m := range req.Markers {
		color := m.Color
		if color == "" {
			color = "red"
		}
		q.Add("markers", m.Lat+","+m.Lon+","+color)
	}
	return "https://staticmap.openstreetmap.de/staticmap.php?" + q.Encode(), nil
}

func parseIPv4(address string) (string, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("invalid ip address %q", address)
	}
	return addr.String(), nil
}

func queryUint(q url.Values, key string, def uint64) (uint64, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
