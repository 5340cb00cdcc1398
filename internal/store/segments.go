package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/green-1-three/mudmaps/internal/metrics"
)

// ActivationOps is the slice of Store available inside an activation
// transaction. All calls see the same snapshot and commit atomically.
type ActivationOps interface {
	IntersectingSegments(ctx context.Context, geometryWKT string) ([]IntersectingSegment, error)
	AdvanceSegment(ctx context.Context, segmentID int64, direction string, ts time.Time, deviceID string) (bool, error)
	AppendSegmentUpdate(ctx context.Context, u SegmentUpdate) error
}

// WithActivation runs fn inside a single transaction with the configured
// deadline, so a partial activation is either fully visible or fully rolled
// back. fn must use the context it receives.
func (s *Store) WithActivation(ctx context.Context, fn func(ctx context.Context, ops ActivationOps) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ops := &activationTx{tx: tx}
	if err := fn(ctx, ops); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit activation tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("activation").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("road_segments", "advance").Add(float64(ops.advanced))
	metrics.DBRowsAffectedTotal.WithLabelValues("segment_updates", "insert").Add(float64(ops.updatesInserted))

	return nil
}

type activationTx struct {
	tx              pgx.Tx
	advanced        int64
	updatesInserted int64
}

// IntersectingSegments returns every road segment touching the polyline,
// with the overlap measured as geographic intersection length over stored
// segment length. Crossing contact yields a zero overlap but still counts.
func (a *activationTx) IntersectingSegments(ctx context.Context, geometryWKT string) ([]IntersectingSegment, error) {
	rows, err := a.tx.Query(ctx, `
		SELECT rs.id, rs.bearing,
		       COALESCE(ST_Length(ST_Intersection(rs.geometry, p.geom)::geography)
		                / NULLIF(rs.segment_length, 0) * 100, 0)
		FROM road_segments rs
		CROSS JOIN (SELECT ST_GeomFromText($1, 4326) AS geom) p
		WHERE ST_Intersects(rs.geometry, p.geom)`,
		geometryWKT,
	)
	if err != nil {
		return nil, fmt.Errorf("querying intersecting segments: %w", err)
	}
	defer rows.Close()

	var segments []IntersectingSegment
	for rows.Next() {
		var seg IntersectingSegment
		if err := rows.Scan(&seg.SegmentID, &seg.Bearing, &seg.OverlapPercent); err != nil {
			return nil, fmt.Errorf("scanning intersecting segment: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating intersecting segments: %w", err)
	}
	return segments, nil
}

const advanceForwardSQL = `
	UPDATE road_segments SET
		last_serviced_forward = $2,
		last_serviced_device_id = $3,
		plow_count_today = CASE WHEN last_reset_date IS DISTINCT FROM (now() AT TIME ZONE 'utc')::date
		                        THEN 1 ELSE plow_count_today + 1 END,
		plow_count_total = plow_count_total + 1,
		last_reset_date = (now() AT TIME ZONE 'utc')::date,
		updated_at = now()
	WHERE id = $1`

const advanceReverseSQL = `
	UPDATE road_segments SET
		last_serviced_reverse = $2,
		last_serviced_device_id = $3,
		plow_count_today = CASE WHEN last_reset_date IS DISTINCT FROM (now() AT TIME ZONE 'utc')::date
		                        THEN 1 ELSE plow_count_today + 1 END,
		plow_count_total = plow_count_total + 1,
		last_reset_date = (now() AT TIME ZONE 'utc')::date,
		updated_at = now()
	WHERE id = $1`

// AdvanceSegment applies the monotone-advance rule under a row lock: the
// per-direction timestamp and the counts move only when ts is strictly newer
// than the stored value. Returns whether the advance was applied.
func (a *activationTx) AdvanceSegment(ctx context.Context, segmentID int64, direction string, ts time.Time, deviceID string) (bool, error) {
	var lockSQL, updateSQL string
	switch direction {
	case "forward":
		lockSQL = `SELECT last_serviced_forward FROM road_segments WHERE id = $1 FOR UPDATE`
		updateSQL = advanceForwardSQL
	case "reverse":
		lockSQL = `SELECT last_serviced_reverse FROM road_segments WHERE id = $1 FOR UPDATE`
		updateSQL = advanceReverseSQL
	default:
		return false, fmt.Errorf("unknown direction %q", direction)
	}

	var current *time.Time
	err := a.tx.QueryRow(ctx, lockSQL, segmentID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("segment %d not found", segmentID)
	}
	if err != nil {
		return false, fmt.Errorf("locking segment %d: %w", segmentID, err)
	}

	if current != nil && !ts.After(*current) {
		return false, nil
	}

	if _, err := a.tx.Exec(ctx, updateSQL, segmentID, ts, deviceID); err != nil {
		return false, fmt.Errorf("advancing segment %d: %w", segmentID, err)
	}
	a.advanced++
	return true, nil
}

// AppendSegmentUpdate appends to the audit trail. Duplicate
// (segment_id, polyline_id) pairs are ignored, so reprocessing is idempotent.
func (a *activationTx) AppendSegmentUpdate(ctx context.Context, u SegmentUpdate) error {
	tag, err := a.tx.Exec(ctx, `
		INSERT INTO segment_updates
			(segment_id, polyline_id, device_id, direction, overlap_percentage, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (segment_id, polyline_id) DO NOTHING`,
		u.SegmentID, u.PolylineID, u.DeviceID, u.Direction, u.OverlapPercent, u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("appending segment update: %w", err)
	}
	a.updatesInserted += tag.RowsAffected()
	return nil
}
