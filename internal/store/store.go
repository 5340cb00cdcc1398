// Package store wraps all persistent state behind a narrow interface.
// It is the only package that speaks SQL/PostGIS.
package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/geo"
)

// Processing log statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusAbandoned  = "abandoned"
)

type Store struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
	logger    *zap.Logger
}

func New(pool *pgxpool.Pool, txTimeout time.Duration, logger *zap.Logger) *Store {
	return &Store{pool: pool, txTimeout: txTimeout, logger: logger}
}

type RawGpsPoint struct {
	ID         int64
	DeviceID   string
	Lon        float64
	Lat        float64
	RecordedAt time.Time
	ReceivedAt time.Time
	Processed  bool
	BatchID    *string
}

func (p RawGpsPoint) Geo() geo.Point {
	return geo.Point{Lat: p.Lat, Lon: p.Lon}
}

type CachedPolyline struct {
	ID              int64
	DeviceID        string
	StartTime       time.Time
	EndTime         time.Time
	EncodedPolyline string
	// GeometryWKT carries the LINESTRING in WKT on the write path only.
	GeometryWKT     string
	Bearing         float64
	Confidence      float64
	PointCount      int
	BatchID         string
	MatchDurationMs int64
	CreatedAt       time.Time
}

type IntersectingSegment struct {
	SegmentID      int64
	Bearing        float64
	OverlapPercent float64
}

type SegmentUpdate struct {
	SegmentID      int64
	PolylineID     int64
	DeviceID       string
	Direction      string
	OverlapPercent float64
	Timestamp      time.Time
}

type ProcessingEntry struct {
	BatchID         string
	DeviceID        string
	StartTime       time.Time
	EndTime         time.Time
	CoordinateCount int
	Status          string
	StartedAt       time.Time
	MatcherCalls    int
	MatcherSuccess  float64
	ErrorMessage    string
	ErrorCode       string
	DurationMs      int64
}
