// Package queue is the durable device-ID FIFO shared with the ingest side.
// The inflight set guarantees at most one pending enqueue per device.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Keys are shared with the external ingest writer.
const (
	queueKey    = "mudmaps:device_queue"
	inflightKey = "mudmaps:device_inflight"
)

type Queue struct {
	client     *redis.Client
	popTimeout time.Duration
	logger     *zap.Logger
}

func New(ctx context.Context, url string, popTimeout time.Duration, logger *zap.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing queue url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging queue: %w", err)
	}

	return &Queue{client: client, popTimeout: popTimeout, logger: logger}, nil
}

// Offer enqueues a device unless it is already inflight. Reports whether the
// device was actually pushed.
func (q *Queue) Offer(ctx context.Context, deviceID string) (bool, error) {
	added, err := q.client.SAdd(ctx, inflightKey, deviceID).Result()
	if err != nil {
		return false, fmt.Errorf("adding device to inflight set: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	if err := q.client.LPush(ctx, queueKey, deviceID).Err(); err != nil {
		// Undo the set entry so a later offer is not blocked forever.
		if remErr := q.client.SRem(ctx, inflightKey, deviceID).Err(); remErr != nil {
			q.logger.Warn("failed to undo inflight entry after push error",
				zap.String("device_id", deviceID), zap.Error(remErr))
		}
		return false, fmt.Errorf("pushing device to queue: %w", err)
	}
	return true, nil
}

// Take blocks up to the pop timeout for the next device ID. A timeout is not
// an error; it returns ok=false so the caller can check for shutdown and loop.
func (q *Queue) Take(ctx context.Context) (string, bool, error) {
	res, err := q.client.BRPop(ctx, q.popTimeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("popping device queue: %w", err)
	}
	// BRPOP replies [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}
	return res[1], true, nil
}

// Release removes a device from the inflight set after processing, allowing
// the next offer for it to enqueue again.
func (q *Queue) Release(ctx context.Context, deviceID string) error {
	if err := q.client.SRem(ctx, inflightKey, deviceID).Err(); err != nil {
		return fmt.Errorf("releasing device %s: %w", deviceID, err)
	}
	return nil
}

// Reset clears the inflight set. Run at worker startup: entries stranded by a
// crash would otherwise block their devices' offers forever.
func (q *Queue) Reset(ctx context.Context) error {
	if err := q.client.Del(ctx, inflightKey).Err(); err != nil {
		return fmt.Errorf("resetting inflight set: %w", err)
	}
	return nil
}

// Depth reports the number of queued device IDs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
