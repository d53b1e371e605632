// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueDepthSampler samples the job queue's length and the in-progress
// set's cardinality on an interval, updating QueueDepth and InProgressCount
// so operators can watch for unbounded growth (the spec leaves admission
// control on queue depth out of the core, but still wants the metrics
// exposed).
func StartQueueDepthSampler(ctx context.Context, rdb *redis.Client, queueKey, inProgressKey string, log *zap.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rdb.LLen(ctx, queueKey).Result()
				if err != nil {
					log.Debug("queue depth poll error", String("queue", queueKey), Err(err))
				} else {
					QueueDepth.WithLabelValues(queueKey).Set(float64(n))
				}

				p, err := rdb.SCard(ctx, inProgressKey).Result()
				if err != nil {
					log.Debug("in-progress count poll error", String("key", inProgressKey), Err(err))
					continue
				}
				InProgressCount.Set(float64(p))
			}
		}
	}()
}
