package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/config"
	"github.com/green-1-three/mudmaps/internal/store"
)

var apiNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

var testGeoJSON = []byte(`{"type":"LineString","coordinates":[[-72.5,43.7],[-72.497,43.7]]}`)

// fakeReadStore implements the api Store interface from fixed fixtures and
// records the query arguments handlers pass down.
type fakeReadStore struct {
	polylines []store.PathPolyline
	detail    *store.PolylineDetail
	segments  []store.SegmentRow
	segment   *store.SegmentRow
	boundary  *store.Boundary
	err       error

	touched   [][]int64
	gotDevice string
	gotSince  time.Time
	gotMuni   int64
	gotCutoff *time.Time
	gotAll    bool
}

func (f *fakeReadStore) PolylinesSince(ctx context.Context, deviceID string, since time.Time) ([]store.PathPolyline, error) {
	f.gotDevice = deviceID
	f.gotSince = since
	return f.polylines, f.err
}

func (f *fakeReadStore) TouchPolylines(ctx context.Context, ids []int64) error {
	f.touched = append(f.touched, ids)
	return nil
}

func (f *fakeReadStore) PolylineByID(ctx context.Context, id int64) (*store.PolylineDetail, error) {
	return f.detail, f.err
}

func (f *fakeReadStore) SegmentsForMunicipality(ctx context.Context, municipalityID int64, since *time.Time, all bool) ([]store.SegmentRow, error) {
	f.gotMuni = municipalityID
	f.gotCutoff = since
	f.gotAll = all
	return f.segments, f.err
}

func (f *fakeReadStore) SegmentByID(ctx context.Context, id int64) (*store.SegmentRow, error) {
	return f.segment, f.err
}

func (f *fakeReadStore) MunicipalityBoundary(ctx context.Context, municipalityID int64) (*store.Boundary, error) {
	f.gotMuni = municipalityID
	return f.boundary, f.err
}

// fakePinger implements Pinger for readiness tests.
type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(_ context.Context) error { return p.err }

func newTestAPI(st Store) *Server {
	cfg := config.APIConfig{Port: 0, CORSOrigin: "*", DefaultHours: 168, MaxHours: 720}
	s := NewServer(cfg, st, &fakePinger{}, &fakePinger{}, zap.NewNop())
	s.now = func() time.Time { return apiNow }
	return s
}

// serve routes a request through the full handler chain, middleware included.
func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestAPI(&fakeReadStore{})
	w := serve(s, http.MethodGet, "/healthz")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_Ready(t *testing.T) {
	s := newTestAPI(&fakeReadStore{})
	w := serve(s, http.MethodGet, "/readyz")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	s := newTestAPI(&fakeReadStore{})
	s.db = &fakePinger{err: errors.New("connection refused")}
	w := serve(s, http.MethodGet, "/readyz")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, w, &body)
	if body.Status != "not_ready" {
		t.Errorf("expected 'not_ready', got '%s'", body.Status)
	}
	if body.Checks["postgres"] != "error" || body.Checks["queue"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_QueueDown(t *testing.T) {
	s := newTestAPI(&fakeReadStore{})
	s.queue = &fakePinger{err: errors.New("no route to host")}
	w := serve(s, http.MethodGet, "/readyz")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestCORS_HeadersAndPreflight(t *testing.T) {
	s := newTestAPI(&fakeReadStore{})

	w := serve(s, http.MethodOptions, "/segments?municipality=1")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("preflight origin header = %q", got)
	}

	w = serve(s, http.MethodGet, "/healthz")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("GET origin header = %q", got)
	}
}

func TestCORS_DisabledWithoutOrigin(t *testing.T) {
	cfg := config.APIConfig{Port: 0, DefaultHours: 168, MaxHours: 720}
	s := NewServer(cfg, &fakeReadStore{}, &fakePinger{}, &fakePinger{}, zap.NewNop())

	w := serve(s, http.MethodGet, "/healthz")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected origin header %q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestAPI(&fakeReadStore{})
	w := serve(s, http.MethodPost, "/paths/encoded")

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
