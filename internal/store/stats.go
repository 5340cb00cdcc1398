package store

import (
	"context"
	"fmt"
)

// Stats are pipeline totals for the periodic report.
type Stats struct {
	TotalPoints           int64
	UnprocessedPoints     int64
	DevicesWithBacklog    int64
	PolylinesTotal        int64
	Polylines24h          int64
	FailedBatches24h      int64
	SegmentsServicedToday int64
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM raw_gps),
			(SELECT count(*) FROM raw_gps WHERE processed = false),
			(SELECT count(DISTINCT device_id) FROM raw_gps WHERE processed = false),
			(SELECT count(*) FROM cached_polylines),
			(SELECT count(*) FROM cached_polylines WHERE created_at > now() - interval '24 hours'),
			(SELECT count(*) FROM processing_log WHERE status = 'failed' AND processing_started_at > now() - interval '24 hours'),
			(SELECT count(*) FROM road_segments
			 WHERE GREATEST(last_serviced_forward, last_serviced_reverse)
			       >= (date_trunc('day', now() AT TIME ZONE 'utc') AT TIME ZONE 'utc'))`,
	).Scan(
		&st.TotalPoints, &st.UnprocessedPoints, &st.DevicesWithBacklog,
		&st.PolylinesTotal, &st.Polylines24h, &st.FailedBatches24h, &st.SegmentsServicedToday,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pipeline stats: %w", err)
	}
	return &st, nil
}
