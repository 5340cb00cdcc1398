package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PathPolyline is the read model behind /paths/encoded.
type PathPolyline struct {
	ID              int64
	DeviceID        string
	StartTime       time.Time
	EndTime         time.Time
	EncodedPolyline string
	Confidence      float64
	PointCount      int
}

// PolylinesSince returns cached polylines with start_time after the cutoff,
// ordered by device then start_time ascending. An empty deviceID selects all
// devices.
func (s *Store) PolylinesSince(ctx context.Context, deviceID string, since time.Time) ([]PathPolyline, error) {
	query := `
		SELECT id, device_id, start_time, end_time, encoded_polyline, osrm_confidence, point_count
		FROM cached_polylines
		WHERE start_time > $1`
	args := []any{since}
	if deviceID != "" {
		query += ` AND device_id = $2`
		args = append(args, deviceID)
	}
	query += ` ORDER BY device_id, start_time ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying polylines: %w", err)
	}
	defer rows.Close()

	var polylines []PathPolyline
	for rows.Next() {
		var p PathPolyline
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.StartTime, &p.EndTime,
			&p.EncodedPolyline, &p.Confidence, &p.PointCount); err != nil {
			return nil, fmt.Errorf("scanning polyline: %w", err)
		}
		polylines = append(polylines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating polylines: %w", err)
	}
	return polylines, nil
}

// TouchPolylines bumps the access counters of served cache rows.
func (s *Store) TouchPolylines(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE cached_polylines
		SET access_count = access_count + 1, last_accessed = now()
		WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("touching polylines: %w", err)
	}
	return nil
}

// PolylineDetail is the single-record read model, geometry as GeoJSON.
type PolylineDetail struct {
	CachedPolyline
	GeometryGeoJSON []byte
	AccessCount     int64
	LastAccessed    *time.Time
}

func (s *Store) PolylineByID(ctx context.Context, id int64) (*PolylineDetail, error) {
	var d PolylineDetail
	err := s.pool.QueryRow(ctx, `
		SELECT id, device_id, start_time, end_time, encoded_polyline, bearing,
		       osrm_confidence, point_count, batch_id, osrm_duration_ms, created_at,
		       access_count, last_accessed, ST_AsGeoJSON(geometry)
		FROM cached_polylines
		WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.DeviceID, &d.StartTime, &d.EndTime, &d.EncodedPolyline, &d.Bearing,
		&d.Confidence, &d.PointCount, &d.BatchID, &d.MatchDurationMs, &d.CreatedAt,
		&d.AccessCount, &d.LastAccessed, &d.GeometryGeoJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying polyline %d: %w", id, err)
	}
	return &d, nil
}

// SegmentRow is the read model behind /segments, geometry as GeoJSON.
type SegmentRow struct {
	ID                   int64
	MunicipalityID       int64
	StreetName           *string
	RoadClassification   *string
	Bearing              float64
	SegmentLengthM       float64
	OsmWayID             *int64
	LastServicedForward  *time.Time
	LastServicedReverse  *time.Time
	LastServicedDeviceID *string
	PlowCountToday       int
	PlowCountTotal       int
	GeometryGeoJSON      []byte
}

const segmentColumns = `
	id, municipality_id, street_name, road_classification, bearing, segment_length,
	osm_way_id, last_serviced_forward, last_serviced_reverse, last_serviced_device_id,
	plow_count_today, plow_count_total, ST_AsGeoJSON(geometry)`

func scanSegment(row pgx.Row) (*SegmentRow, error) {
	var seg SegmentRow
	err := row.Scan(&seg.ID, &seg.MunicipalityID, &seg.StreetName, &seg.RoadClassification,
		&seg.Bearing, &seg.SegmentLengthM, &seg.OsmWayID,
		&seg.LastServicedForward, &seg.LastServicedReverse, &seg.LastServicedDeviceID,
		&seg.PlowCountToday, &seg.PlowCountTotal, &seg.GeometryGeoJSON)
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// SegmentsForMunicipality returns road segments for a municipality ordered by
// most recent service first. With all=true every segment is returned; with a
// nil since the cutoff defaults to the caller's choice of window.
func (s *Store) SegmentsForMunicipality(ctx context.Context, municipalityID int64, since *time.Time, all bool) ([]SegmentRow, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM road_segments
		WHERE municipality_id = $1`
	args := []any{municipalityID}
	if !all && since != nil {
		query += ` AND GREATEST(last_serviced_forward, last_serviced_reverse) >= $2`
		args = append(args, *since)
	}
	query += ` ORDER BY GREATEST(last_serviced_forward, last_serviced_reverse) DESC NULLS LAST`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying segments: %w", err)
	}
	defer rows.Close()

	var segments []SegmentRow
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		segments = append(segments, *seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating segments: %w", err)
	}
	return segments, nil
}

func (s *Store) SegmentByID(ctx context.Context, id int64) (*SegmentRow, error) {
	seg, err := scanSegment(s.pool.QueryRow(ctx, `
		SELECT `+segmentColumns+`
		FROM road_segments
		WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying segment %d: %w", id, err)
	}
	return seg, nil
}

// Boundary is a municipality polygon for map rendering.
type Boundary struct {
	MunicipalityID  int64
	Name            string
	GeometryGeoJSON []byte
}

func (s *Store) MunicipalityBoundary(ctx context.Context, municipalityID int64) (*Boundary, error) {
	var b Boundary
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, ST_AsGeoJSON(boundary)
		FROM municipalities
		WHERE id = $1`,
		municipalityID,
	).Scan(&b.MunicipalityID, &b.Name, &b.GeometryGeoJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying municipality %d: %w", municipalityID, err)
	}
	return &b, nil
}
