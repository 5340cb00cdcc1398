package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/geo"
	"github.com/green-1-three/mudmaps/internal/matcher"
	"github.com/green-1-three/mudmaps/internal/metrics"
	"github.com/green-1-three/mudmaps/internal/store"
)

type ProcessorConfig struct {
	Batch      BatchConfig
	MaxRetries int
}

// DeviceProcessor drains one device's unprocessed points: form batches, match
// each against the road network, persist the polyline, activate segments, and
// mark the new points processed.
type DeviceProcessor struct {
	store     Store
	matcher   Matcher
	activator *SegmentActivator
	cfg       ProcessorConfig
	logger    *zap.Logger
}

func NewDeviceProcessor(st Store, m Matcher, cfg ProcessorConfig, logger *zap.Logger) *DeviceProcessor {
	return &DeviceProcessor{
		store:     st,
		matcher:   m,
		activator: NewSegmentActivator(st, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

// Process handles everything queued up for one device. A failing batch never
// aborts the device's remaining batches; only context cancellation stops the
// walk early.
func (p *DeviceProcessor) Process(ctx context.Context, deviceID string) error {
	log := p.logger.With(zap.String("device_id", deviceID))

	anchor, err := p.store.LastProcessedPoint(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("fetching anchor: %w", err)
	}
	points, err := p.store.UnprocessedPoints(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("fetching unprocessed points: %w", err)
	}
	if len(points) == 0 {
		log.Debug("no unprocessed points")
		return nil
	}

	batches := BuildBatches(anchor, points, p.cfg.Batch)
	log.Info("processing device",
		zap.Int("points", len(points)),
		zap.Int("batches", len(batches)),
		zap.Bool("anchored", anchor != nil),
	)

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processBatch(ctx, deviceID, batch, log); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Error("batch processing failed",
				zap.Time("start_time", batch.StartTime()),
				zap.Time("end_time", batch.EndTime()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (p *DeviceProcessor) processBatch(ctx context.Context, deviceID string, batch Batch, log *zap.Logger) error {
	started := time.Now()
	entry := &store.ProcessingEntry{
		BatchID:         uuid.NewString(),
		DeviceID:        deviceID,
		StartTime:       batch.StartTime(),
		EndTime:         batch.EndTime(),
		CoordinateCount: len(batch.Points),
		Status:          store.StatusProcessing,
		StartedAt:       started,
	}

	// Parked vehicle: nothing worth matching, just consume the points.
	if !HasSignificantMovement(batch.Points, p.cfg.Batch.MinMovementM) {
		if err := p.markProcessed(ctx, batch, entry.BatchID, log); err != nil {
			return fmt.Errorf("marking skipped batch: %w", err)
		}
		p.finish(ctx, entry, store.StatusSkipped, started, log)
		log.Debug("batch skipped without significant movement",
			zap.String("batch_id", entry.BatchID),
			zap.Int("points", len(batch.Points)),
		)
		return nil
	}

	if err := p.store.LogProcessing(ctx, entry); err != nil {
		log.Warn("logging batch start", zap.String("batch_id", entry.BatchID), zap.Error(err))
	}

	matchStart := time.Now()
	res, err := p.matcher.Match(ctx, batch.GeoPoints())
	entry.MatcherCalls = 1
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return p.handleMatchFailure(ctx, deviceID, batch, entry, err, started, log)
	}
	entry.MatcherSuccess = 1

	coords := res.Coordinates
	poly := &store.CachedPolyline{
		DeviceID:        deviceID,
		StartTime:       batch.StartTime(),
		EndTime:         batch.EndTime(),
		EncodedPolyline: geo.EncodePolyline(coords),
		GeometryWKT:     geo.LineStringWKT(coords),
		Bearing:         geo.BearingDegrees(coords[0], coords[len(coords)-1]),
		Confidence:      res.Confidence,
		PointCount:      batch.NewCount(),
		BatchID:         entry.BatchID,
		MatchDurationMs: time.Since(matchStart).Milliseconds(),
	}

	var polylineID int64
	err = store.WithRetry(ctx, log, "upsert_polyline", func() error {
		var upsertErr error
		polylineID, upsertErr = p.store.UpsertPolyline(ctx, poly)
		return upsertErr
	})
	if err != nil {
		p.failBatch(ctx, entry, "store_write", err, started, log)
		return fmt.Errorf("writing polyline: %w", err)
	}

	var summary *ActivationSummary
	err = store.WithRetry(ctx, log, "activation", func() error {
		var actErr error
		summary, actErr = p.activator.Activate(ctx, polylineID, deviceID, poly.GeometryWKT, poly.Bearing, batch.EndTime())
		return actErr
	})
	if err != nil {
		p.failBatch(ctx, entry, "activation", err, started, log)
		return fmt.Errorf("activating segments: %w", err)
	}

	if err := p.markProcessed(ctx, batch, entry.BatchID, log); err != nil {
		// Points stay unprocessed; the next run rebuilds this exact batch and
		// the upsert and activation replay idempotently.
		p.failBatch(ctx, entry, "store_write", err, started, log)
		return fmt.Errorf("marking batch processed: %w", err)
	}

	p.finish(ctx, entry, store.StatusCompleted, started, log)
	log.Info("batch completed",
		zap.String("batch_id", entry.BatchID),
		zap.Int64("polyline_id", polylineID),
		zap.Int("new_points", batch.NewCount()),
		zap.Int("segments", summary.SegmentsTouched),
		zap.Int("advanced", summary.Advanced),
		zap.Float64("confidence", res.Confidence),
	)
	return nil
}

// handleMatchFailure applies the retry policy: failures accumulate per batch
// interval, and once the limit is reached the new points are marked processed
// anyway so the device cannot wedge the pipeline.
func (p *DeviceProcessor) handleMatchFailure(ctx context.Context, deviceID string, batch Batch, entry *store.ProcessingEntry, matchErr error, started time.Time, log *zap.Logger) error {
	entry.ErrorMessage = matchErr.Error()
	entry.ErrorCode = errorCode(matchErr)

	prior, err := p.store.FailureCount(ctx, deviceID, batch.StartTime(), batch.EndTime())
	if err != nil {
		log.Warn("reading failure count", zap.Error(err))
		prior = 0
	}
	attempts := prior + 1

	if attempts >= p.cfg.MaxRetries {
		if err := p.markProcessed(ctx, batch, entry.BatchID, log); err != nil {
			return fmt.Errorf("marking abandoned batch: %w", err)
		}
		p.finish(ctx, entry, store.StatusAbandoned, started, log)
		log.Warn("batch abandoned after retries",
			zap.String("batch_id", entry.BatchID),
			zap.Int("attempts", attempts),
			zap.Error(matchErr),
		)
		return nil
	}

	p.finish(ctx, entry, store.StatusFailed, started, log)
	log.Warn("batch match failed",
		zap.String("batch_id", entry.BatchID),
		zap.Int("attempt", attempts),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Error(matchErr),
	)
	return nil
}

func (p *DeviceProcessor) failBatch(ctx context.Context, entry *store.ProcessingEntry, code string, cause error, started time.Time, log *zap.Logger) {
	entry.ErrorCode = code
	entry.ErrorMessage = cause.Error()
	p.finish(ctx, entry, store.StatusFailed, started, log)
}

func (p *DeviceProcessor) markProcessed(ctx context.Context, batch Batch, batchID string, log *zap.Logger) error {
	var marked int64
	err := store.WithRetry(ctx, log, "mark_processed", func() error {
		var markErr error
		marked, markErr = p.store.MarkProcessed(ctx, batch.NewIDs, batchID)
		return markErr
	})
	if err != nil {
		return err
	}
	metrics.PointsProcessedTotal.Add(float64(marked))
	return nil
}

func (p *DeviceProcessor) finish(ctx context.Context, entry *store.ProcessingEntry, status string, started time.Time, log *zap.Logger) {
	entry.Status = status
	entry.DurationMs = time.Since(started).Milliseconds()
	if err := p.store.LogProcessing(ctx, entry); err != nil {
		log.Warn("logging batch outcome",
			zap.String("batch_id", entry.BatchID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
	metrics.BatchesProcessedTotal.WithLabelValues(status).Inc()
}

func errorCode(err error) string {
	var te *matcher.TransportError
	switch {
	case errors.Is(err, matcher.ErrNoMatch):
		return "no_match"
	case errors.As(err, &te):
		return "transport"
	default:
		return "internal"
	}
}
