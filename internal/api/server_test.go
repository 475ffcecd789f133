package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flytie/internal/state"
	"flytie/internal/storage"
)

func strPtr(s string) *string { return &s }

// countingStore wraps a memory repository and counts row reads.
type countingStore struct {
	*storage.MemoryDB
	rowReads atomic.Int32
}

func (c *countingStore) ReadActiveSnapshot(ctx context.Context) ([]state.AircraftState, error) {
	c.rowReads.Add(1)
	return c.MemoryDB.ReadActiveSnapshot(ctx)
}

func newStore(t *testing.T, snap state.SnapshotTime, rows []state.AircraftState) *countingStore {
	t.Helper()
	ctx := context.Background()
	db := storage.NewMemory()
	if err := db.InsertBatch(ctx, snap, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.WritePointer(ctx, snap); err != nil {
		t.Fatalf("write pointer: %v", err)
	}
	return &countingStore{MemoryDB: db}
}

func sampleRows() []state.AircraftState {
	return []state.AircraftState{
		{ICAO24: "7c6ca3", OriginCountry: "Australia", Latitude: -31.9, Longitude: 115.9,
			Route: state.Route{EstDepartureAirport: strPtr("YPPH"), EstArrivalAirport: strPtr("EGLL")}},
		{ICAO24: "4ca7b4", OriginCountry: "Ireland", Latitude: 53.4, Longitude: -6.2},
		{ICAO24: "a0b1c2", OriginCountry: "United States", Latitude: 40.6, Longitude: -73.8,
			Route: state.Route{EstDepartureAirport: strPtr("KJFK")}},
	}
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server := NewSnapshotServer(storage.NewMemory(), Config{Addr: ":8081"}, nil)
	rec := serve(t, server.Router(), "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	server := NewSnapshotServer(storage.NewMemory(), Config{
		AuthEnabled: true,
		APIKeys:     []string{"test-key-123", "another-key"},
	}, nil)
	router := server.Router()

	tests := []struct {
		name       string
		apiKey     string
		keyHeader  string
		wantStatus int
	}{
		{
			name:       "no key",
			apiKey:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid key",
			apiKey:     "wrong-key",
			keyHeader:  "X-API-Key",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "valid key via X-API-Key",
			apiKey:     "test-key-123",
			keyHeader:  "X-API-Key",
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid key via Bearer",
			apiKey:     "another-key",
			keyHeader:  "Authorization",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.apiKey != "" {
				if tt.keyHeader == "Authorization" {
					req.Header.Set("Authorization", "Bearer "+tt.apiKey)
				} else {
					req.Header.Set(tt.keyHeader, tt.apiKey)
				}
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	server := NewSnapshotServer(storage.NewMemory(), Config{
		AuthEnabled: true,
		APIKeys:     []string{"query-key"},
	}, nil)

	rec := serve(t, server.Router(), "/health?api_key=query-key")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	server := NewSnapshotServer(storage.NewMemory(), Config{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/aircraft", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for OPTIONS, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestNoActiveSnapshot(t *testing.T) {
	server := NewSnapshotServer(storage.NewMemory(), Config{}, nil)

	for _, path := range []string{"/api/v1/snapshot", "/api/v1/aircraft", "/api/v1/aircraft/7c6ca3"} {
		rec := serve(t, server.Handler(), path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, rec.Code)
		}
	}
}

func TestSnapshotSummary(t *testing.T) {
	store := newStore(t, 1700000000000, sampleRows())
	server := NewSnapshotServer(store, Config{}, nil)

	rec := serve(t, server.Handler(), "/api/v1/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp SnapshotResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SnapshotTime != 1700000000000 {
		t.Errorf("snapshot_time = %d", resp.SnapshotTime)
	}
	if resp.Aircraft != 3 || resp.Enriched != 2 {
		t.Errorf("aircraft = %d, enriched = %d, want 3, 2", resp.Aircraft, resp.Enriched)
	}
	if resp.Version != 1 {
		t.Errorf("version = %d, want 1", resp.Version)
	}
}

func TestListAircraftFilters(t *testing.T) {
	store := newStore(t, 1700000000000, sampleRows())
	server := NewSnapshotServer(store, Config{}, nil)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantICAO   []string
	}{
		{"all", "", http.StatusOK, []string{"4ca7b4", "7c6ca3", "a0b1c2"}},
		{"enriched only", "?enriched=true", http.StatusOK, []string{"7c6ca3", "a0b1c2"}},
		{"europe bbox", "?bbox=35,-15,60,30", http.StatusOK, []string{"4ca7b4"}},
		{"bbox and enriched", "?bbox=-45,100,0,160&enriched=1", http.StatusOK, []string{"7c6ca3"}},
		{"bad bbox", "?bbox=1,2,3", http.StatusBadRequest, nil},
		{"bad enriched", "?enriched=maybe", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, server.Handler(), "/api/v1/aircraft"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp AircraftListResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			var got []string
			for _, a := range resp.Aircraft {
				got = append(got, a.ICAO24)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantICAO, ",") {
				t.Errorf("aircraft = %v, want %v", got, tt.wantICAO)
			}
			if resp.Count != len(tt.wantICAO) {
				t.Errorf("count = %d, want %d", resp.Count, len(tt.wantICAO))
			}
		})
	}
}

func TestGetAircraft(t *testing.T) {
	store := newStore(t, 1700000000000, sampleRows())
	server := NewSnapshotServer(store, Config{}, nil)

	rec := serve(t, server.Handler(), "/api/v1/aircraft/7C6CA3")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var got state.AircraftState
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ICAO24 != "7c6ca3" || got.EstArrivalAirport == nil || *got.EstArrivalAirport != "EGLL" {
		t.Errorf("unexpected aircraft %+v", got)
	}

	rec = serve(t, server.Handler(), "/api/v1/aircraft/ffffff")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown aircraft, got %d", rec.Code)
	}
}

func TestSnapshotRowsCachedUntilPromotion(t *testing.T) {
	store := newStore(t, 1700000000000, sampleRows())
	server := NewSnapshotServer(store, Config{CacheTTL: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		if rec := serve(t, server.Handler(), "/api/v1/aircraft"); rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
	}
	if n := store.rowReads.Load(); n != 1 {
		t.Errorf("row reads = %d, want 1", n)
	}

	ctx := context.Background()
	next := state.SnapshotTime(1700000060000)
	if err := store.InsertBatch(ctx, next, sampleRows()[:1]); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.WritePointer(ctx, next); err != nil {
		t.Fatalf("write pointer: %v", err)
	}

	rec := serve(t, server.Handler(), "/api/v1/snapshot")
	var resp SnapshotResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SnapshotTime != next || resp.Aircraft != 1 || resp.PreviousSnapshot != 1700000000000 {
		t.Errorf("after promotion got %+v", resp)
	}
	if n := store.rowReads.Load(); n != 2 {
		t.Errorf("row reads = %d, want 2", n)
	}
}

type fakeRuns struct {
	runs  []storage.RefreshRun
	err   error
	limit int
}

func (f *fakeRuns) RecentRuns(_ context.Context, limit int) ([]storage.RefreshRun, error) {
	f.limit = limit
	return f.runs, f.err
}

func TestRuns(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := &fakeRuns{runs: []storage.RefreshRun{{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Snapshot:   state.SnapshotTimeOf(start),
		Status:     storage.RunSucceeded,
		Fetched:    10,
		Parsed:     9,
	}}}
	server := NewSnapshotServer(storage.NewMemory(), Config{Runs: runs}, nil)

	rec := serve(t, server.Handler(), "/api/v1/runs?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp []RunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].RunID != "run-1" || resp[0].DurationMS != 1500 || resp[0].Parsed != 9 {
		t.Errorf("unexpected runs %+v", resp)
	}
	if runs.limit != 5 {
		t.Errorf("limit = %d, want 5", runs.limit)
	}

	if rec := serve(t, server.Handler(), "/api/v1/runs?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for limit=0, got %d", rec.Code)
	}

	runs.err = errors.New("clickhouse down")
	if rec := serve(t, server.Handler(), "/api/v1/runs"); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestRunsWithoutRunLog(t *testing.T) {
	server := NewSnapshotServer(storage.NewMemory(), Config{}, nil)
	if rec := serve(t, server.Handler(), "/api/v1/runs"); rec.Code != http.StatusNotImplemented {
		t.Errorf("expected status 501, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "flytie_test_total", Help: "Test counter"})
	reg.MustRegister(counter)
	counter.Inc()

	server := NewSnapshotServer(storage.NewMemory(), Config{Registry: reg}, nil)
	rec := serve(t, server.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flytie_test_total 1") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body)
	}

	bare := NewSnapshotServer(storage.NewMemory(), Config{}, nil)
	if rec := serve(t, bare.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without registry, got %d", rec.Code)
	}
}
