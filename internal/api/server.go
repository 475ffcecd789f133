// Package api provides REST API endpoints for the active aircraft snapshot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flytie/internal/config"
	"flytie/internal/opensky"
	"flytie/internal/state"
	"flytie/internal/storage"
)

// Readers retry this many times when a promotion lands between the pointer read and
// the row read.
const maxReadAttempts = 3

// SnapshotStore is the read side of the snapshot repository.
type SnapshotStore interface {
	ReadPointer(ctx context.Context) (*state.Pointer, error)
	ReadActiveSnapshot(ctx context.Context) ([]state.AircraftState, error)
}

// RunLister lists recent refresh runs.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RefreshRun, error)
}

// SnapshotServer provides REST API access to the active snapshot.
type SnapshotServer struct {
	store       SnapshotStore
	runs        RunLister
	registry    *prometheus.Registry
	cache       *cache.Cache
	addr        string
	authEnabled bool
	apiKeys     map[string]bool // Simple API key auth (when enabled).
	logger      *slog.Logger
}

// Config holds configuration for the snapshot API server.
type Config struct {
	Addr        string
	AuthEnabled bool
	APIKeys     []string             // List of valid API keys.
	CacheTTL    time.Duration        // How long a snapshot's rows stay cached.
	Runs        RunLister            // Optional; enables /runs.
	Registry    *prometheus.Registry // Optional; enables /metrics.
}

// NewSnapshotServer creates a new snapshot API server.
func NewSnapshotServer(store SnapshotStore, cfg Config, logger *slog.Logger) *SnapshotServer {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SnapshotServer{
		store:       store,
		runs:        cfg.Runs,
		registry:    cfg.Registry,
		cache:       cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		addr:        cfg.Addr,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
		logger:      logger.With("component", "api"),
	}
}

// Handler returns the full HTTP handler: middleware, /metrics and the API under /api/v1.
func (s *SnapshotServer) Handler() http.Handler {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for browser access.
	r.Use(corsMiddleware)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		}))
	}
	r.Mount("/api/v1", s.Router())
	return r
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *SnapshotServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("snapshot API starting", "addr", s.addr, "auth", s.authEnabled)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Router returns the configured chi router for embedding in other servers.
func (s *SnapshotServer) Router() chi.Router {
	r := chi.NewRouter()

	// Optional authentication.
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/aircraft", s.handleListAircraft)
	r.Get("/aircraft/{icao24}", s.handleGetAircraft)
	r.Get("/runs", s.handleRuns)

	return r
}

func (s *SnapshotServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *SnapshotServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Fall back to query parameter (for simple testing).
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// activeSnapshot is an immutable view of one snapshot's rows.
type activeSnapshot struct {
	pointer state.Pointer
	rows    []state.AircraftState
	byICAO  map[string]int // Normalised icao24 to index in rows.
}

var errNoSnapshot = errors.New("no active snapshot")

// active returns the rows of the active snapshot. Rows are cached per snapshot time,
// which never changes meaning once promoted. The pointer is re-read after the rows so
// rows read across a promotion are never labelled with the wrong snapshot.
func (s *SnapshotServer) active(ctx context.Context) (*activeSnapshot, error) {
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		ptr, err := s.store.ReadPointer(ctx)
		if err != nil {
			return nil, err
		}
		if ptr == nil {
			return nil, errNoSnapshot
		}

		key := ptr.Active.String()
		if cached, found := s.cache.Get(key); found {
			return cached.(*activeSnapshot), nil
		}

		rows, err := s.store.ReadActiveSnapshot(ctx)
		if err != nil {
			return nil, err
		}

		after, err := s.store.ReadPointer(ctx)
		if err != nil {
			return nil, err
		}
		if after == nil || after.Active != ptr.Active {
			continue
		}

		snap := &activeSnapshot{pointer: *after, rows: rows, byICAO: make(map[string]int, len(rows))}
		for i, row := range rows {
			snap.byICAO[state.NormaliseICAO24(row.ICAO24)] = i
		}
		s.cache.Set(key, snap, cache.DefaultExpiration)
		return snap, nil
	}
	return nil, errors.New("snapshot changed during read, retry")
}

func (s *SnapshotServer) writeActiveError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNoSnapshot) {
		writeError(w, http.StatusNotFound, "No active snapshot")
		return
	}
	s.logger.Error("read active snapshot", "error", err)
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

func (s *SnapshotServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// SnapshotResponse is the JSON response for the snapshot summary.
type SnapshotResponse struct {
	SnapshotTime     state.SnapshotTime `json:"snapshot_time"`
	PreviousSnapshot state.SnapshotTime `json:"previous_snapshot_time"`
	Version          int64              `json:"version"`
	UpdatedAt        string             `json:"updated_at"`
	Aircraft         int                `json:"aircraft"`
	Enriched         int                `json:"enriched"`
}

func (s *SnapshotServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.active(r.Context())
	if err != nil {
		s.writeActiveError(w, err)
		return
	}

	enriched := 0
	for _, row := range snap.rows {
		if row.HasDeparture() {
			enriched++
		}
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{
		SnapshotTime:     snap.pointer.Active,
		PreviousSnapshot: snap.pointer.Previous,
		Version:          snap.pointer.Version,
		UpdatedAt:        snap.pointer.UpdatedAt.UTC().Format(time.RFC3339),
		Aircraft:         len(snap.rows),
		Enriched:         enriched,
	})
}

// AircraftListResponse is the JSON response for aircraft queries.
type AircraftListResponse struct {
	SnapshotTime state.SnapshotTime    `json:"snapshot_time"`
	Count        int                   `json:"count"`
	Aircraft     []state.AircraftState `json:"aircraft"`
}

func (s *SnapshotServer) handleListAircraft(w http.ResponseWriter, r *http.Request) {
	box, err := config.ParseBoundingBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bbox (use lamin,lomin,lamax,lomax)")
		return
	}

	enrichedOnly := false
	if v := r.URL.Query().Get("enriched"); v != "" {
		enrichedOnly, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid enriched flag")
			return
		}
	}

	snap, err := s.active(r.Context())
	if err != nil {
		s.writeActiveError(w, err)
		return
	}

	resp := AircraftListResponse{SnapshotTime: snap.pointer.Active, Aircraft: filterAircraft(snap.rows, box, enrichedOnly)}
	resp.Count = len(resp.Aircraft)
	writeJSON(w, http.StatusOK, resp)
}

func filterAircraft(rows []state.AircraftState, box *opensky.BoundingBox, enrichedOnly bool) []state.AircraftState {
	out := make([]state.AircraftState, 0, len(rows))
	for _, row := range rows {
		if box != nil && !box.Contains(row.Latitude, row.Longitude) {
			continue
		}
		if enrichedOnly && !row.HasDeparture() {
			continue
		}
		out = append(out, row)
	}
	return out
}

func (s *SnapshotServer) handleGetAircraft(w http.ResponseWriter, r *http.Request) {
	icao := chi.URLParam(r, "icao24")
	if icao == "" {
		writeError(w, http.StatusBadRequest, "icao24 is required")
		return
	}

	snap, err := s.active(r.Context())
	if err != nil {
		s.writeActiveError(w, err)
		return
	}

	i, ok := snap.byICAO[state.NormaliseICAO24(icao)]
	if !ok {
		writeError(w, http.StatusNotFound, "Aircraft not in the active snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap.rows[i])
}

func (s *SnapshotServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotImplemented, "Run log not configured")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// RunResponse is the JSON response for one refresh run.
type RunResponse struct {
	RunID          string             `json:"run_id"`
	StartedAt      string             `json:"started_at"`
	DurationMS     int64              `json:"duration_ms"`
	Status         string             `json:"status"`
	Error          string             `json:"error,omitempty"`
	Snapshot       state.SnapshotTime `json:"snapshot_time"`
	Previous       state.SnapshotTime `json:"previous_snapshot_time"`
	Fetched        int                `json:"fetched"`
	Parsed         int                `json:"parsed"`
	CarriedForward int                `json:"carried_forward"`
	FromHistory    int                `json:"from_history"`
	Iterations     int                `json:"iterations"`
	Remaining      int                `json:"remaining"`
	Reaped         int                `json:"reaped"`
}

func runToResponse(r storage.RefreshRun) RunResponse {
	return RunResponse{
		RunID:          r.RunID,
		StartedAt:      r.StartedAt.UTC().Format(time.RFC3339),
		DurationMS:     r.Duration().Milliseconds(),
		Status:         r.Status,
		Error:          r.Error,
		Snapshot:       r.Snapshot,
		Previous:       r.Previous,
		Fetched:        r.Fetched,
		Parsed:         r.Parsed,
		CarriedForward: r.CarriedForward,
		FromHistory:    r.FromHistory,
		Iterations:     r.Iterations,
		Remaining:      r.Remaining,
		Reaped:         r.Reaped,
	}
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
