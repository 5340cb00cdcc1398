// Package api serves the read-only HTTP surface: encoded polylines grouped
// per device, road segment state as GeoJSON, municipality boundaries, and
// the operational health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/config"
	"github.com/green-1-three/mudmaps/internal/store"
)

// Store is the read side the API serves from. *store.Store satisfies it.
type Store interface {
	PolylinesSince(ctx context.Context, deviceID string, since time.Time) ([]store.PathPolyline, error)
	TouchPolylines(ctx context.Context, ids []int64) error
	PolylineByID(ctx context.Context, id int64) (*store.PolylineDetail, error)
	SegmentsForMunicipality(ctx context.Context, municipalityID int64, since *time.Time, all bool) ([]store.SegmentRow, error)
	SegmentByID(ctx context.Context, id int64) (*store.SegmentRow, error)
	MunicipalityBoundary(ctx context.Context, municipalityID int64) (*store.Boundary, error)
}

// Pinger abstracts the readiness checks for testability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv    *http.Server
	store  Store
	db     Pinger
	queue  Pinger
	cfg    config.APIConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewServer(cfg config.APIConfig, st Store, db, queue Pinger, logger *zap.Logger) *Server {
	s := &Server{
		store:  st,
		db:     db,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /paths/encoded", s.handlePaths)
	mux.HandleFunc("GET /segments", s.handleSegments)
	mux.HandleFunc("GET /segments/{id}", s.handleSegmentByID)
	mux.HandleFunc("GET /polylines/{id}", s.handlePolylineByID)
	mux.HandleFunc("GET /boundary", s.handleBoundary)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: gzhttp.GzipHandler(s.withCORS(s.logRequests(mux))),
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.cfg.CORSOrigin; origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil && s.db.Ping(ctx) == nil {
		checks["postgres"] = "ok"
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	if s.queue != nil && s.queue.Ping(ctx) == nil {
		checks["queue"] = "ok"
	} else {
		checks["queue"] = "error"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
