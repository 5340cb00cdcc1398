package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/store"
)

type pathBatch struct {
	ID              int64   `json:"id"`
	Success         bool    `json:"success"`
	EncodedPolyline string  `json:"encoded_polyline"`
	Confidence      float64 `json:"confidence"`
}

type devicePaths struct {
	Device          string      `json:"device"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         time.Time   `json:"end_time"`
	CoordinateCount int         `json:"coordinate_count"`
	Batches         []pathBatch `json:"batches"`
	MatchedBatches  int         `json:"matched_batches"`
	TotalBatches    int         `json:"total_batches"`
	Coverage        string      `json:"coverage"`
	CacheHits       int         `json:"cache_hits"`
}

type pathsResponse struct {
	Devices []devicePaths `json:"devices"`
}

// handlePaths serves GET /paths/encoded: cached polylines for the window,
// grouped per device with batches in start_time order. Every row comes
// straight from the cache, so matched, total and cache-hit counts coincide.
func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	hours := s.cfg.DefaultHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "hours must be a positive integer")
			return
		}
		hours = n
	}
	if hours > s.cfg.MaxHours {
		hours = s.cfg.MaxHours
	}

	deviceID := r.URL.Query().Get("device_id")
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.store.PolylinesSince(r.Context(), deviceID, since)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	resp := pathsResponse{Devices: []devicePaths{}}
	var served []int64
	for _, row := range rows {
		if n := len(resp.Devices); n == 0 || resp.Devices[n-1].Device != row.DeviceID {
			resp.Devices = append(resp.Devices, devicePaths{
				Device:    row.DeviceID,
				StartTime: row.StartTime,
				EndTime:   row.EndTime,
				Coverage:  "100%",
			})
		}
		d := &resp.Devices[len(resp.Devices)-1]
		d.Batches = append(d.Batches, pathBatch{
			ID:              row.ID,
			Success:         true,
			EncodedPolyline: row.EncodedPolyline,
			Confidence:      row.Confidence,
		})
		d.CoordinateCount += row.PointCount
		if row.StartTime.Before(d.StartTime) {
			d.StartTime = row.StartTime
		}
		if row.EndTime.After(d.EndTime) {
			d.EndTime = row.EndTime
		}
		served = append(served, row.ID)
	}
	for i := range resp.Devices {
		d := &resp.Devices[i]
		d.TotalBatches = len(d.Batches)
		d.MatchedBatches = len(d.Batches)
		d.CacheHits = len(d.Batches)
	}

	// Usage accounting must not fail the read.
	if err := s.store.TouchPolylines(r.Context(), served); err != nil {
		s.logger.Warn("touching served polylines", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, resp)
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	ID         int64           `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties any             `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

type segmentProperties struct {
	MunicipalityID       int64      `json:"municipality_id"`
	StreetName           *string    `json:"street_name"`
	RoadClassification   *string    `json:"road_classification"`
	Bearing              float64    `json:"bearing"`
	SegmentLengthM       float64    `json:"segment_length"`
	OsmWayID             *int64     `json:"osm_way_id"`
	LastServicedForward  *time.Time `json:"last_serviced_forward"`
	LastServicedReverse  *time.Time `json:"last_serviced_reverse"`
	LastServicedDeviceID *string    `json:"last_serviced_device_id"`
	PlowCountToday       int        `json:"plow_count_today"`
	PlowCountTotal       int        `json:"plow_count_total"`
}

func segmentFeature(seg store.SegmentRow) geoJSONFeature {
	return geoJSONFeature{
		Type:     "Feature",
		ID:       seg.ID,
		Geometry: json.RawMessage(seg.GeometryGeoJSON),
		Properties: segmentProperties{
			MunicipalityID:       seg.MunicipalityID,
			StreetName:           seg.StreetName,
			RoadClassification:   seg.RoadClassification,
			Bearing:              seg.Bearing,
			SegmentLengthM:       seg.SegmentLengthM,
			OsmWayID:             seg.OsmWayID,
			LastServicedForward:  seg.LastServicedForward,
			LastServicedReverse:  seg.LastServicedReverse,
			LastServicedDeviceID: seg.LastServicedDeviceID,
			PlowCountToday:       seg.PlowCountToday,
			PlowCountTotal:       seg.PlowCountTotal,
		},
	}
}

// handleSegments serves GET /segments: road segments of a municipality as a
// GeoJSON FeatureCollection, most recently serviced first. Without since/all
// the cutoff is service in either direction within the last 7 days.
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	municipalityID, ok := s.municipalityParam(w, q.Get("municipality"))
	if !ok {
		return
	}

	all := q.Get("all") == "true"
	var since *time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be an RFC 3339 timestamp")
			return
		}
		since = &t
	} else if !all {
		t := s.now().Add(-7 * 24 * time.Hour)
		since = &t
	}

	segments, err := s.store.SegmentsForMunicipality(r.Context(), municipalityID, since, all)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	coll := geoJSONCollection{Type: "FeatureCollection", Features: []geoJSONFeature{}}
	for _, seg := range segments {
		coll.Features = append(coll.Features, segmentFeature(seg))
	}
	writeJSON(w, http.StatusOK, coll)
}

func (s *Server) handleSegmentByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "segment id must be an integer")
		return
	}
	seg, err := s.store.SegmentByID(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if seg == nil {
		writeError(w, http.StatusNotFound, "not_found", "segment not found")
		return
	}
	writeJSON(w, http.StatusOK, segmentFeature(*seg))
}

type polylineResponse struct {
	ID              int64           `json:"id"`
	DeviceID        string          `json:"device_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	EncodedPolyline string          `json:"encoded_polyline"`
	Bearing         float64         `json:"bearing"`
	Confidence      float64         `json:"confidence"`
	PointCount      int             `json:"point_count"`
	BatchID         string          `json:"batch_id"`
	MatchDurationMs int64           `json:"match_duration_ms"`
	CreatedAt       time.Time       `json:"created_at"`
	AccessCount     int64           `json:"access_count"`
	LastAccessed    *time.Time      `json:"last_accessed"`
	Geometry        json.RawMessage `json:"geometry"`
}

func (s *Server) handlePolylineByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "polyline id must be an integer")
		return
	}
	p, err := s.store.PolylineByID(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "polyline not found")
		return
	}
	writeJSON(w, http.StatusOK, polylineResponse{
		ID:              p.ID,
		DeviceID:        p.DeviceID,
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		EncodedPolyline: p.EncodedPolyline,
		Bearing:         p.Bearing,
		Confidence:      p.Confidence,
		PointCount:      p.PointCount,
		BatchID:         p.BatchID,
		MatchDurationMs: p.MatchDurationMs,
		CreatedAt:       p.CreatedAt,
		AccessCount:     p.AccessCount,
		LastAccessed:    p.LastAccessed,
		Geometry:        json.RawMessage(p.GeometryGeoJSON),
	})
}

func (s *Server) handleBoundary(w http.ResponseWriter, r *http.Request) {
	municipalityID, ok := s.municipalityParam(w, r.URL.Query().Get("municipality"))
	if !ok {
		return
	}
	b, err := s.store.MunicipalityBoundary(r.Context(), municipalityID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "not_found", "municipality not found")
		return
	}
	writeJSON(w, http.StatusOK, geoJSONFeature{
		Type:     "Feature",
		ID:       b.MunicipalityID,
		Geometry: json.RawMessage(b.GeometryGeoJSON),
		Properties: map[string]any{
			"municipality_id": b.MunicipalityID,
			"name":            b.Name,
		},
	})
}

func (s *Server) municipalityParam(w http.ResponseWriter, raw string) (int64, bool) {
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "municipality is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "municipality must be an integer")
		return 0, false
	}
	return id, true
}

// storeError maps store failures onto the wire: connection-class errors are
// 503 so callers know to retry, anything else is a plain 500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("store query failed", zap.String("path", r.URL.Path), zap.Error(err))
	if store.IsRetryable(err) {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "store unreachable, try again")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}
