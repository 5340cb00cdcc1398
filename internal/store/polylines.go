package store

import (
	"context"
	"fmt"
	"time"

	"github.com/green-1-three/mudmaps/internal/metrics"
)

// UpsertPolyline inserts or updates the cache row keyed on
// (device_id, start_time, end_time) and returns its id. A re-submission
// replaces the matched geometry and correlation fields but keeps the
// original point_count, which counts the new raw points of the first run.
func (s *Store) UpsertPolyline(ctx context.Context, p *CachedPolyline) (int64, error) {
	start := time.Now()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cached_polylines
			(device_id, start_time, end_time, encoded_polyline, geometry, bearing,
			 osrm_confidence, point_count, batch_id, osrm_duration_ms, created_at)
		VALUES ($1, $2, $3, $4, ST_GeomFromText($5, 4326), $6, $7, $8, $9, $10, now())
		ON CONFLICT (device_id, start_time, end_time)
		DO UPDATE SET
			encoded_polyline = EXCLUDED.encoded_polyline,
			geometry         = EXCLUDED.geometry,
			bearing          = EXCLUDED.bearing,
			osrm_confidence  = EXCLUDED.osrm_confidence,
			batch_id         = EXCLUDED.batch_id,
			osrm_duration_ms = EXCLUDED.osrm_duration_ms
		RETURNING id`,
		p.DeviceID, p.StartTime, p.EndTime, p.EncodedPolyline, p.GeometryWKT, p.Bearing,
		p.Confidence, p.PointCount, p.BatchID, p.MatchDurationMs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting polyline: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("upsert_polyline").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("cached_polylines", "upsert").Inc()

	return id, nil
}
