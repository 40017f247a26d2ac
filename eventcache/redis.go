package eventcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	eventsKeyPrefix = "calendar_cache:events:"
	indexKeyPrefix  = "calendar_cache:start:"
)

// RedisStore keeps one hash of event records per user plus a lexicographic
// start-time index (sorted set, score 0, member "startTime|eventId").
type RedisStore struct {
	redisClient *redis.Client
	now         func() time.Time
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redisClient: redisClient, now: time.Now}
}

func eventsKey(userID string) string { return eventsKeyPrefix + userID }
func indexKey(userID string) string  { return indexKeyPrefix + userID }

func indexMember(start, eventID string) string { return start + "|" + eventID }

func (s *RedisStore) Upsert(ctx context.Context, userID string, ev RawEvent) (Outcome, error) {
	rec, err := normalize(userID, ev)
	if err != nil {
		return "", err
	}

	existing, err := s.get(ctx, userID, rec.ExternalEventID)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Fingerprint == rec.Fingerprint {
		return OutcomeUnchanged, nil
	}

	now := s.now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	outcome := OutcomeInserted
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		outcome = OutcomeUpdated
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cached event: %w", err)
	}

	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if existing != nil && existing.StartTime != rec.StartTime {
			pipe.ZRem(ctx, indexKey(userID), indexMember(existing.StartTime, rec.ExternalEventID))
		}
		pipe.HSet(ctx, eventsKey(userID), rec.ExternalEventID, data)
		pipe.ZAdd(ctx, indexKey(userID), redis.Z{Score: 0, Member: indexMember(rec.StartTime, rec.ExternalEventID)})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert cached event %s: %w", rec.ExternalEventID, err)
	}
	return outcome, nil
}

func (s *RedisStore) get(ctx context.Context, userID, eventID string) (*CachedEvent, error) {
	raw, err := s.redisClient.HGet(ctx, eventsKey(userID), eventID).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load cached event %s: %w", eventID, err)
	}
	var rec CachedEvent
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cached event %s: %w", eventID, err)
	}
	return &rec, nil
}

func (s *RedisStore) Query(ctx context.Context, userID string, start, end time.Time) ([]CachedEvent, error) {
	if !start.Before(end) {
		return nil, nil
	}
	members, err := s.redisClient.ZRangeByLex(ctx, indexKey(userID), &redis.ZRangeBy{
		Min: "[" + Bound(start),
		Max: "(" + Bound(end),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query cache index: %w", err)
	}
	if len(members) == 0 {
		return []CachedEvent{}, nil
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		if idx := strings.Index(m, "|"); idx >= 0 {
			ids = append(ids, m[idx+1:])
		}
	}

	values, err := s.redisClient.HMGet(ctx, eventsKey(userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cached events: %w", err)
	}

	events := make([]CachedEvent, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record; left for the next purge
			continue
		}
		var rec CachedEvent
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			zap.S().Warnf("Event cache: decode err user=%s event=%s: %v", userID, ids[i], err)
			continue
		}
		events = append(events, rec)
	}
	return events, nil
}

func (s *RedisStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	maxBound := "(" + Bound(cutoff)
	var total int64

	iter := s.redisClient.Scan(ctx, 0, indexKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimPrefix(key, indexKeyPrefix)

		members, err := s.redisClient.ZRangeByLex(ctx, key, &redis.ZRangeBy{Min: "-", Max: maxBound}).Result()
		if err != nil {
			return total, fmt.Errorf("failed to scan expired events for %s: %w", userID, err)
		}
		if len(members) == 0 {
			continue
		}

		ids := make([]string, 0, len(members))
		for _, m := range members {
			if idx := strings.Index(m, "|"); idx >= 0 {
				ids = append(ids, m[idx+1:])
			}
		}

		var deleted *redis.IntCmd
		_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			deleted = pipe.HDel(ctx, eventsKey(userID), ids...)
			pipe.ZRemRangeByLex(ctx, key, "-", maxBound)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to purge events for %s: %w", userID, err)
		}
		total += deleted.Val()
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("failed to scan cache index keys: %w", err)
	}
	return total, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
