package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/green-1-three/mudmaps/internal/metrics"
)

// LastProcessedPoint returns the most recently processed point for a device,
// or nil if the device has no processed points yet.
func (s *Store) LastProcessedPoint(ctx context.Context, deviceID string) (*RawGpsPoint, error) {
	var p RawGpsPoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, device_id, longitude, latitude, recorded_at, received_at, processed, batch_id
		FROM raw_gps
		WHERE device_id = $1 AND processed = true
		ORDER BY recorded_at DESC
		LIMIT 1`,
		deviceID,
	).Scan(&p.ID, &p.DeviceID, &p.Lon, &p.Lat, &p.RecordedAt, &p.ReceivedAt, &p.Processed, &p.BatchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last processed point: %w", err)
	}
	return &p, nil
}

// UnprocessedPoints returns a device's unprocessed points ordered by recorded_at ascending.
func (s *Store) UnprocessedPoints(ctx context.Context, deviceID string) ([]RawGpsPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, longitude, latitude, recorded_at, received_at, processed, batch_id
		FROM raw_gps
		WHERE device_id = $1 AND processed = false
		ORDER BY recorded_at ASC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed points: %w", err)
	}
	defer rows.Close()

	var points []RawGpsPoint
	for rows.Next() {
		var p RawGpsPoint
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Lon, &p.Lat, &p.RecordedAt, &p.ReceivedAt, &p.Processed, &p.BatchID); err != nil {
			return nil, fmt.Errorf("scanning raw point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating raw points: %w", err)
	}
	return points, nil
}

// MarkProcessed flags the given points processed under batchID. Rows already
// processed are left untouched, so re-marking never reassigns a batch_id.
func (s *Store) MarkProcessed(ctx context.Context, pointIDs []int64, batchID string) (int64, error) {
	if len(pointIDs) == 0 {
		return 0, nil
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_gps
		SET processed = true, batch_id = $2
		WHERE id = ANY($1) AND processed = false`,
		pointIDs, batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking points processed: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("mark_processed").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("raw_gps", "update").Add(float64(tag.RowsAffected()))

	return tag.RowsAffected(), nil
}
