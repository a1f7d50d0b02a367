package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orbitalops/fds-service/internal/metrics"
)

const defaultDedupTTL = 10 * time.Minute

// DedupChecker remembers dispatched (user, msg_code, msg_id) triples.
// Key format: dedup:<user_id>:<msg_code>:<msg_id>
type DedupChecker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupChecker creates a DedupChecker. ttl <= 0 uses defaultDedupTTL.
func NewDedupChecker(client *redis.Client, ttl time.Duration) *DedupChecker {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DedupChecker{client: client, ttl: ttl}
}

// IsDuplicate marks the triple as seen and reports whether it already was.
// Check and mark are one SETNX, so two concurrent dispatches of the same
// msg_id cannot both pass.
func (d *DedupChecker) IsDuplicate(ctx context.Context, userID, msgCode, msgID string) (bool, error) {
	fresh, err := d.client.SetNX(ctx, d.key(userID, msgCode, msgID), "1", d.ttl).Result()
	if err != nil {
		metrics.DedupTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		metrics.DedupTotal.WithLabelValues("hit").Inc()
		return true, nil
	}
	metrics.DedupTotal.WithLabelValues("miss").Inc()
	return false, nil
}

func (d *DedupChecker) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *DedupChecker) key(userID, msgCode, msgID string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", userID, msgCode, msgID)
}
