package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyFormat   = "user:%s:calendar_updates"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	defaultMaxLen     = 500
)

// Update kinds published on the per-user stream.
const (
	KindCalendarSynced  = "calendar_synced"
	KindScheduleChanged = "schedule_changed"
	KindDisconnected    = "calendar_disconnected"
)

// Event is the typed form of an update stream entry.
type Event struct {
	ID     string         `json:"id"`
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

// Bus appends to and tails the per-user calendar update stream.
type Bus struct {
	client *redis.Client
	block  time.Duration
	maxLen int64
}

// NewBus creates a bus on the given redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, block: defaultBlock, maxLen: defaultMaxLen}
}

// WithBlock overrides how long Tail waits for new entries.
func (b *Bus) WithBlock(d time.Duration) *Bus {
	if d > 0 {
		b.block = d
	}
	return b
}

// StreamKey returns the update stream key for a user.
func StreamKey(userID string) string {
	return fmt.Sprintf(streamKeyFormat, userID)
}

// Publish appends an update of the given kind, stamping ts when missing.
// The stream is capped at roughly the last few hundred entries.
func (b *Bus) Publish(ctx context.Context, userID, kind string, values map[string]any) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("update bus not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}

	fields := make(map[string]any, len(values)+2)
	for k, v := range values {
		fields[k] = v
	}
	fields["type"] = kind
	if _, ok := fields["ts"]; !ok {
		fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(userID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
}

// Tail blocks for new events after afterID and returns them with the latest ID observed.
// An empty afterID means "only new entries".
func (b *Bus) Tail(ctx context.Context, userID, afterID string) ([]Event, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, fmt.Errorf("update bus not configured")
	}

	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(userID), afterID},
		Count:   defaultBatchCount,
		Block:   b.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	events := make([]Event, 0)
	nextID := afterID

	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]any, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = v
			}
			events = append(events, Event{
				ID:     msg.ID,
				UserID: userID,
				Type:   stringVal(values["type"]),
				Values: values,
			})
			nextID = msg.ID
		}
	}

	return events, nextID, nil
}

// LatestID returns the newest entry id, or "0" for an empty stream. Used to
// resume a client that connects without a cursor.
func (b *Bus) LatestID(ctx context.Context, userID string) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, StreamKey(userID), "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}
