package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/geo"
	"github.com/green-1-three/mudmaps/internal/metrics"
	"github.com/green-1-three/mudmaps/internal/store"
)

// SegmentActivator applies a matched polyline to the road network: every
// intersecting segment gets a direction, a monotone timestamp advance, and an
// audit row, all inside one store transaction.
type SegmentActivator struct {
	store  Store
	logger *zap.Logger
}

func NewSegmentActivator(st Store, logger *zap.Logger) *SegmentActivator {
	return &SegmentActivator{store: st, logger: logger}
}

type ActivationSummary struct {
	SegmentsTouched int
	Advanced        int
}

func (a *SegmentActivator) Activate(ctx context.Context, polylineID int64, deviceID, geometryWKT string, polylineBearing float64, endTime time.Time) (*ActivationSummary, error) {
	var summary ActivationSummary
	var applied, skipped map[geo.Direction]int

	err := a.store.WithActivation(ctx, func(ctx context.Context, ops store.ActivationOps) error {
		applied = map[geo.Direction]int{}
		skipped = map[geo.Direction]int{}
		summary = ActivationSummary{}

		segments, err := ops.IntersectingSegments(ctx, geometryWKT)
		if err != nil {
			return err
		}
		summary.SegmentsTouched = len(segments)

		for _, seg := range segments {
			dir := geo.DirectionOf(polylineBearing, seg.Bearing)

			ok, err := ops.AdvanceSegment(ctx, seg.SegmentID, string(dir), endTime, deviceID)
			if err != nil {
				return err
			}
			if ok {
				applied[dir]++
				summary.Advanced++
			} else {
				skipped[dir]++
			}

			if err := ops.AppendSegmentUpdate(ctx, store.SegmentUpdate{
				SegmentID:      seg.SegmentID,
				PolylineID:     polylineID,
				DeviceID:       deviceID,
				Direction:      string(dir),
				OverlapPercent: seg.OverlapPercent,
				Timestamp:      endTime,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for dir, n := range applied {
		metrics.SegmentActivationsTotal.WithLabelValues(string(dir), "true").Add(float64(n))
	}
	for dir, n := range skipped {
		metrics.SegmentActivationsTotal.WithLabelValues(string(dir), "false").Add(float64(n))
	}

	return &summary, nil
}
