package store

import (
	"context"
	"fmt"
	"time"

	"github.com/green-1-three/mudmaps/internal/metrics"
)

// LogProcessing upserts the processing log row for a batch attempt. A
// terminal status replaces a non-terminal one; a terminal row is never
// reverted to processing.
func (s *Store) LogProcessing(ctx context.Context, e *ProcessingEntry) error {
	start := time.Now()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_log
			(batch_id, device_id, start_time, end_time, coordinate_count, status,
			 processing_started_at, osrm_calls, osrm_success_rate, error_message, error_code, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (batch_id)
		DO UPDATE SET
			status            = EXCLUDED.status,
			coordinate_count  = EXCLUDED.coordinate_count,
			osrm_calls        = EXCLUDED.osrm_calls,
			osrm_success_rate = EXCLUDED.osrm_success_rate,
			error_message     = EXCLUDED.error_message,
			error_code        = EXCLUDED.error_code,
			duration_ms       = EXCLUDED.duration_ms
		WHERE processing_log.status = 'processing' OR EXCLUDED.status <> 'processing'`,
		e.BatchID, e.DeviceID, e.StartTime, e.EndTime, e.CoordinateCount, e.Status,
		e.StartedAt, e.MatcherCalls, e.MatcherSuccess,
		nullableString(e.ErrorMessage), nullableString(e.ErrorCode), e.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("logging processing status %s: %w", e.Status, err)
	}

	metrics.DBWriteDuration.WithLabelValues("log_processing").Observe(time.Since(start).Seconds())
	return nil
}

// FailureCount reports how many attempts at this exact batch interval have
// already failed. Each attempt logs under a fresh batch_id, so the interval
// key is what ties retries of the same batch together.
func (s *Store) FailureCount(ctx context.Context, deviceID string, startTime, endTime time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM processing_log
		WHERE device_id = $1 AND start_time = $2 AND end_time = $3 AND status = 'failed'`,
		deviceID, startTime, endTime,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting batch failures: %w", err)
	}
	return n, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
