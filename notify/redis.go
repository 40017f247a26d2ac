package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthStream = "health:renko:bootstrap"

// Connect opens a client for redisURL and verifies PING plus XADD/XREAD,
// which the update stream relies on.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		url = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid REDIS_URL %q: %w", url, err)
	}
	client := redis.NewClient(opts)

	if err := verifyStreamOps(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func verifyStreamOps(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	msgID, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: healthStream,
		MaxLen: 10,
		Values: map[string]any{
			"msg": "redis-online-check",
			"ts":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: XADD failed: %w", err)
	}

	msgs, err := client.XRange(ctx, healthStream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("redis: XRANGE failed: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("redis: XRANGE returned no messages for %s", msgID)
	}
	return nil
}
