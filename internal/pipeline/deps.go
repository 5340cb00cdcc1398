package pipeline

import (
	"context"
	"time"

	"github.com/green-1-three/mudmaps/internal/geo"
	"github.com/green-1-three/mudmaps/internal/matcher"
	"github.com/green-1-three/mudmaps/internal/store"
)

// Store abstracts the persistence operations the pipeline needs, for
// testability. *store.Store satisfies it.
type Store interface {
	LastProcessedPoint(ctx context.Context, deviceID string) (*store.RawGpsPoint, error)
	UnprocessedPoints(ctx context.Context, deviceID string) ([]store.RawGpsPoint, error)
	MarkProcessed(ctx context.Context, pointIDs []int64, batchID string) (int64, error)
	UpsertPolyline(ctx context.Context, p *store.CachedPolyline) (int64, error)
	WithActivation(ctx context.Context, fn func(ctx context.Context, ops store.ActivationOps) error) error
	LogProcessing(ctx context.Context, e *store.ProcessingEntry) error
	FailureCount(ctx context.Context, deviceID string, startTime, endTime time.Time) (int, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Matcher abstracts the map-matching client. *matcher.Client satisfies it.
type Matcher interface {
	Match(ctx context.Context, points []geo.Point) (*matcher.Result, error)
}

// Queue abstracts the device queue. *queue.Queue satisfies it.
type Queue interface {
	Take(ctx context.Context) (string, bool, error)
	Release(ctx context.Context, deviceID string) error
	Depth(ctx context.Context) (int64, error)
}
