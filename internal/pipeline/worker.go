package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/green-1-three/mudmaps/internal/metrics"
)

// Worker drives the pipeline: take a device from the queue, process it,
// release it. The queue's inflight set guarantees no two loops ever hold the
// same device, so running several loops is safe.
type Worker struct {
	queue         Queue
	store         Store
	processor     *DeviceProcessor
	workers       int
	statsInterval time.Duration
	logger        *zap.Logger
}

func NewWorker(q Queue, st Store, proc *DeviceProcessor, workers int, statsInterval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		queue:         q,
		store:         st,
		processor:     proc,
		workers:       workers,
		statsInterval: statsInterval,
		logger:        logger,
	}
}

// Run blocks until the context is cancelled and every loop has drained.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.statsLoop(ctx)
	}()

	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	log := w.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		deviceID, ok, err := w.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("taking from queue", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}

		if err := w.processor.Process(ctx, deviceID); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("processing interrupted by shutdown", zap.String("device_id", deviceID))
			} else {
				log.Error("processing device", zap.String("device_id", deviceID), zap.Error(err))
				metrics.DevicesProcessedTotal.WithLabelValues("error").Inc()
			}
		} else {
			metrics.DevicesProcessedTotal.WithLabelValues("ok").Inc()
		}

		// Release even during shutdown so the ingest side can re-offer the
		// device; the worker context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.queue.Release(releaseCtx, deviceID); err != nil {
			log.Error("releasing device", zap.String("device_id", deviceID), zap.Error(err))
		}
		cancel()
	}
}

func (w *Worker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reportStats(ctx)
		}
	}
}

func (w *Worker) reportStats(ctx context.Context) {
	st, err := w.store.Stats(ctx)
	if err != nil {
		w.logger.Warn("reading pipeline stats", zap.Error(err))
		return
	}

	depth, err := w.queue.Depth(ctx)
	if err != nil {
		w.logger.Warn("reading queue depth", zap.Error(err))
		depth = -1
	} else {
		metrics.QueueDepth.Set(float64(depth))
	}
	metrics.UnprocessedPoints.Set(float64(st.UnprocessedPoints))

	w.logger.Info("pipeline stats",
		zap.Int64("total_points", st.TotalPoints),
		zap.Int64("unprocessed_points", st.UnprocessedPoints),
		zap.Int64("devices_with_backlog", st.DevicesWithBacklog),
		zap.Int64("polylines_total", st.PolylinesTotal),
		zap.Int64("polylines_24h", st.Polylines24h),
		zap.Int64("failed_batches_24h", st.FailedBatches24h),
		zap.Int64("segments_serviced_today", st.SegmentsServicedToday),
		zap.Int64("queue_depth", depth),
	)
}
