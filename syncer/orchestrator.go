// Package syncer pulls external calendar events into the event cache, one
// user at a time or for every connected user, and purges old cache rows.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"renko-cloud/eventcache"
	"renko-cloud/gcal"
	"renko-cloud/metrics"
	"renko-cloud/notify"
	"renko-cloud/security"
)

const (
	DefaultWindow    = 30 * 24 * time.Hour
	DefaultRetention = 60 * 24 * time.Hour

	// DefaultUserTimeout covers a list call, a forced refresh and the retry.
	DefaultUserTimeout = 2 * time.Minute

	statusKeyPrefix = "calendar_sync_status:"
	statusTTL       = 30 * 24 * time.Hour
)

// TokenSource is the slice of the token store the orchestrator needs.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
	ForceRefresh(ctx context.Context, userID string) (string, error)
	ListConnectedUsers(ctx context.Context) ([]string, error)
}

// CalendarClient is the provider API used for sync and export.
type CalendarClient interface {
	ListEvents(ctx context.Context, accessToken string, timeMin, timeMax time.Time) ([]gcal.RawEvent, error)
	CreateEvent(ctx context.Context, accessToken string, payload gcal.EventPayload) (string, error)
}

// Notifier receives a message after each successful sync.
type Notifier interface {
	Publish(ctx context.Context, userID, kind string, values map[string]any) (string, error)
}

// Result is the outcome of one user's sync.
type Result struct {
	UserID     string    `json:"user_id"`
	Success    bool      `json:"success"`
	EventCount int       `json:"event_count"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	SyncedAt   time.Time `json:"synced_at"`
}

// BatchResult aggregates a SyncAllUsers run.
type BatchResult struct {
	SyncedCount int
	ErrorCount  int
	Results     []Result
	Err         error
}

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Window      time.Duration
	Retention   time.Duration
	Concurrency int
	// UserTimeout bounds one user's sync inside a batch.
	UserTimeout time.Duration
}

// Orchestrator runs calendar syncs and cache retention.
type Orchestrator struct {
	tokens  TokenSource
	client  CalendarClient
	cache   eventcache.Store
	redis   *redis.Client
	notify  Notifier
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

// New builds an orchestrator. statusClient, notifier and m may be nil.
func New(tokens TokenSource, client CalendarClient, cache eventcache.Store, statusClient *redis.Client, notifier Notifier, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.UserTimeout <= 0 {
		opts.UserTimeout = DefaultUserTimeout
	}
	return &Orchestrator{
		tokens:  tokens,
		client:  client,
		cache:   cache,
		redis:   statusClient,
		notify:  notifier,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// ErrorKind names an error for API responses and status records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gcal.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, security.ErrNoValidToken), errors.Is(err, gcal.ErrTokenExpired):
		if security.KindOf(err) == security.RefreshTemporary {
			return string(security.RefreshTemporary)
		}
		return string(security.RefreshReconnectRequired)
	}
	var perr *gcal.ProviderError
	if errors.As(err, &perr) {
		return "provider_error"
	}
	return "internal"
}

// withToken runs call with a valid access token, refreshing once and retrying
// if the provider answers 401.
func (o *Orchestrator) withToken(ctx context.Context, userID string, call func(token string) error) error {
	token, err := o.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return err
	}
	err = call(token)
	if !errors.Is(err, gcal.ErrTokenExpired) {
		return err
	}

	zap.S().Infof("Calendar sync: token rejected user=%s, forcing refresh", userID)
	token, err = o.tokens.ForceRefresh(ctx, userID)
	if err != nil {
		return err
	}
	if err := call(token); err != nil {
		if errors.Is(err, gcal.ErrTokenExpired) {
			return fmt.Errorf("token rejected after refresh: %w: %w", security.ErrNoValidToken, err)
		}
		return err
	}
	return nil
}

// SyncUser fetches now..now+window from the provider and upserts every event
// into the cache. Events are stored before the result is returned.
func (o *Orchestrator) SyncUser(ctx context.Context, userID string) (Result, error) {
	res := Result{UserID: userID}
	now := o.now()
	timeMax := now.Add(o.opts.Window)

	var raw []gcal.RawEvent
	err := o.withToken(ctx, userID, func(token string) error {
		var listErr error
		raw, listErr = o.client.ListEvents(ctx, token, now, timeMax)
		return listErr
	})
	if err == nil {
		err = o.store(ctx, userID, raw, &res)
	}

	res.SyncedAt = o.now().UTC()
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = ErrorKind(err)
		o.metrics.RecordSyncRun("error")
		o.saveStatus(ctx, res)
		return res, err
	}

	res.Success = true
	o.metrics.RecordSyncRun("success")
	o.saveStatus(ctx, res)
	if o.notify != nil {
		if _, err := o.notify.Publish(ctx, userID, notify.KindCalendarSynced, map[string]any{
			"event_count": res.EventCount,
			"inserted":    res.Inserted,
			"updated":     res.Updated,
		}); err != nil {
			zap.S().Warnf("Calendar sync: notify err user=%s: %v", userID, err)
		}
	}
	return res, nil
}

func (o *Orchestrator) store(ctx context.Context, userID string, raw []gcal.RawEvent, res *Result) error {
	for _, ev := range raw {
		if ev.Status == "cancelled" {
			continue
		}
		outcome, err := o.cache.Upsert(ctx, userID, toCacheEvent(ev))
		if err != nil {
			if errors.Is(err, eventcache.ErrMalformedEvent) {
				res.Skipped++
				zap.S().Warnf("Calendar sync: skipping malformed event user=%s event=%s: %v", userID, ev.ID, err)
				continue
			}
			return fmt.Errorf("failed to cache event %s: %w", ev.ID, err)
		}
		res.EventCount++
		switch outcome {
		case eventcache.OutcomeInserted:
			res.Inserted++
		case eventcache.OutcomeUpdated:
			res.Updated++
		case eventcache.OutcomeUnchanged:
			res.Unchanged++
		}
		o.metrics.RecordSyncEvent(string(outcome))
	}
	return nil
}

func toCacheEvent(ev gcal.RawEvent) eventcache.RawEvent {
	return eventcache.RawEvent{
		ExternalEventID: ev.ID,
		Title:           ev.Title,
		Description:     ev.Description,
		StartTime:       ev.Start,
		EndTime:         ev.End,
		AllDay:          ev.AllDay,
		Location:        ev.Location,
		Attendees:       ev.Attendees,
		Fingerprint:     ev.ETag,
	}
}

// SyncAllUsers syncs every connected user. A failing user is logged and
// counted; it never stops the others.
func (o *Orchestrator) SyncAllUsers(ctx context.Context) (BatchResult, error) {
	users, err := o.tokens.ListConnectedUsers(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list connected users: %w", err)
	}
	return o.SyncUsers(ctx, users), nil
}

// SyncUsers syncs the given users through a pool bounded by Options.Concurrency.
func (o *Orchestrator) SyncUsers(ctx context.Context, users []string) BatchResult {
	var (
		mu    sync.Mutex
		batch = BatchResult{Results: make([]Result, 0, len(users))}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			userCtx, cancel := context.WithTimeout(gctx, o.opts.UserTimeout)
			res, err := o.SyncUser(userCtx, userID)
			cancel()
			mu.Lock()
			defer mu.Unlock()
			batch.Results = append(batch.Results, res)
			if err != nil {
				batch.ErrorCount++
				batch.Err = multierr.Append(batch.Err, fmt.Errorf("user %s: %w", userID, err))
				zap.S().Warnf("Calendar sync: failed user=%s kind=%s: %v", userID, res.ErrorKind, err)
				return nil
			}
			batch.SyncedCount++
			return nil
		})
	}
	_ = g.Wait()

	zap.S().Infof("Calendar sync: batch done users=%d synced=%d errors=%d", len(users), batch.SyncedCount, batch.ErrorCount)
	return batch
}

// CleanupOldEvents deletes cache rows that started before now-retention.
func (o *Orchestrator) CleanupOldEvents(ctx context.Context) (int64, error) {
	cutoff := o.now().Add(-o.opts.Retention)
	n, err := o.cache.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cached events: %w", err)
	}
	o.metrics.RecordCachePurged(n)
	zap.S().Infof("Calendar cleanup: purged %d events older than %s", n, cutoff.UTC().Format(time.RFC3339))
	return n, nil
}

// CreateEvent exports a payload to the user's provider calendar with the same
// refresh-and-retry-once rule as sync.
func (o *Orchestrator) CreateEvent(ctx context.Context, userID string, payload gcal.EventPayload) (string, error) {
	var id string
	err := o.withToken(ctx, userID, func(token string) error {
		var createErr error
		id, createErr = o.client.CreateEvent(ctx, token, payload)
		return createErr
	})
	return id, err
}

func statusKey(userID string) string {
	return statusKeyPrefix + userID
}

func (o *Orchestrator) saveStatus(ctx context.Context, res Result) {
	if o.redis == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	// a sync that hit its deadline still records the failure
	if err := o.redis.Set(context.WithoutCancel(ctx), statusKey(res.UserID), data, statusTTL).Err(); err != nil {
		zap.S().Warnf("Calendar sync: status persist err user=%s: %v", res.UserID, err)
	}
}

// LastStatus returns the most recent sync result for a user, or nil.
func (o *Orchestrator) LastStatus(ctx context.Context, userID string) (*Result, error) {
	if o.redis == nil {
		return nil, nil
	}
	data, err := o.redis.Get(ctx, statusKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode sync status: %w", err)
	}
	return &res, nil
}
