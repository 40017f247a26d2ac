package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renko-cloud/eventcache"
	"renko-cloud/gcal"
	"renko-cloud/metrics"
	"renko-cloud/notify"
	"renko-cloud/security"
)

var syncNow = time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)

type fakeTokens struct {
	mu        sync.Mutex
	users     []string
	tokens    map[string]string
	failing   map[string]error
	refreshed map[string]int
}

func newFakeTokens(users ...string) *fakeTokens {
	f := &fakeTokens{users: users, tokens: map[string]string{}, failing: map[string]error{}, refreshed: map[string]int{}}
	for _, u := range users {
		f.tokens[u] = "tok-" + u
	}
	return f
}

func (f *fakeTokens) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[userID]; ok {
		return "", err
	}
	return f.tokens[userID], nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed[userID]++
	f.tokens[userID] = fmt.Sprintf("tok-%s-r%d", userID, f.refreshed[userID])
	return f.tokens[userID], nil
}

func (f *fakeTokens) ListConnectedUsers(ctx context.Context) ([]string, error) {
	return f.users, nil
}

type fakeCalendar struct {
	mu       sync.Mutex
	events   []gcal.RawEvent
	rejected map[string]bool
	hanging  map[string]bool
	calls    []string
	err      error
	created  []gcal.EventPayload
}

func (f *fakeCalendar) ListEvents(ctx context.Context, accessToken string, timeMin, timeMax time.Time) ([]gcal.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accessToken)
	if f.hanging[accessToken] {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return nil, ctx.Err()
	}
	if f.rejected[accessToken] {
		return nil, fmt.Errorf("list events: %w", gcal.ErrTokenExpired)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, accessToken string, payload gcal.EventPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accessToken)
	if f.rejected[accessToken] {
		return "", fmt.Errorf("create event: %w", gcal.ErrTokenExpired)
	}
	f.created = append(f.created, payload)
	return "g-1", nil
}

func sampleEvents() []gcal.RawEvent {
	return []gcal.RawEvent{
		{ID: "x1", Title: "Standup", Start: "2024-03-12T09:00:00+01:00", End: "2024-03-12T09:30:00+01:00", ETag: "\"1\""},
		{ID: "x2", Title: "Holiday", Start: "2024-03-15", End: "2024-03-16", AllDay: true, ETag: "\"1\""},
		{ID: "broken", Title: "Bad", Start: "not a time", End: "2024-03-12T10:00:00Z"},
		{ID: "gone", Title: "Cancelled", Start: "2024-03-13T09:00:00Z", End: "2024-03-13T10:00:00Z", Status: "cancelled"},
	}
}

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	cache  *eventcache.RedisStore
	tokens *fakeTokens
	cal    *fakeCalendar
	bus    *notify.Bus
	met    *metrics.Metrics
	orch   *Orchestrator
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:     mr,
		client: client,
		cache:  eventcache.NewRedisStore(client),
		tokens: newFakeTokens(users...),
		cal:    &fakeCalendar{events: sampleEvents(), rejected: map[string]bool{}},
		bus:    notify.NewBus(client).WithBlock(20 * time.Millisecond),
		met:    metrics.NewMetrics("test"),
	}
	f.orch = New(f.tokens, f.cal, f.cache, client, f.bus, f.met, Options{})
	f.orch.now = func() time.Time { return syncNow }
	return f
}

func TestSyncUserCachesEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1")

	res, err := f.orch.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.EventCount)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Skipped)

	cached, err := f.cache.Query(ctx, "u1", syncNow, syncNow.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "2024-03-12T08:00:00Z", cached[0].StartTime)

	events, _, err := f.bus.Tail(ctx, "u1", "0")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindCalendarSynced, events[0].Type)

	status, err := f.orch.LastStatus(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.Success)
	assert.Equal(t, 2, status.EventCount)
}

func TestSyncUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1")

	_, err := f.orch.SyncUser(ctx, "u1")
	require.NoError(t, err)
	res, err := f.orch.SyncUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Unchanged)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.met.SyncEvents.WithLabelValues("unchanged")))
}

func TestSyncAllUsersIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2", "u3")
	f.tokens.failing["u2"] = &security.RefreshError{UserID: "u2", Kind: security.RefreshReconnectRequired, Err: errors.New("invalid_grant")}

	batch, err := f.orch.SyncAllUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.SyncedCount)
	assert.Equal(t, 1, batch.ErrorCount)
	require.Error(t, batch.Err)
	assert.ErrorIs(t, batch.Err, security.ErrNoValidToken)

	for _, u := range []string{"u1", "u3"} {
		cached, err := f.cache.Query(ctx, u, syncNow, syncNow.Add(7*24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, cached, 2, u)
	}

	status, err := f.orch.LastStatus(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.Success)
	assert.Equal(t, "reconnect_required", status.ErrorKind)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.met.SyncRuns.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.met.SyncRuns.WithLabelValues("success")))
}

func TestSyncAllUsersBoundsEachUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1", "u2", "u3")
	f.cal.hanging = map[string]bool{"tok-u2": true}
	f.orch = New(f.tokens, f.cal, f.cache, f.client, f.bus, f.met, Options{UserTimeout: 50 * time.Millisecond})
	f.orch.now = func() time.Time { return syncNow }

	batch, err := f.orch.SyncAllUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.SyncedCount, "users after a stuck one still sync")
	assert.Equal(t, 1, batch.ErrorCount)
	assert.ErrorIs(t, batch.Err, context.DeadlineExceeded)

	status, err := f.orch.LastStatus(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.Success)
}

func TestSyncAllUsersWithPool(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d", "e")
	f.orch.opts.Concurrency = 3

	batch, err := f.orch.SyncAllUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, batch.SyncedCount)
	assert.Len(t, batch.Results, 5)
}

func TestSyncUserRetriesOnceAfter401(t *testing.T) {
	f := newFixture(t, "u1")
	f.cal.rejected["tok-u1"] = true

	res, err := f.orch.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.tokens.refreshed["u1"])
	assert.Equal(t, []string{"tok-u1", "tok-u1-r1"}, f.cal.calls)
}

func TestSyncUserGivesUpAfterSecond401(t *testing.T) {
	f := newFixture(t, "u1")
	f.cal.rejected["tok-u1"] = true
	f.cal.rejected["tok-u1-r1"] = true

	res, err := f.orch.SyncUser(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrNoValidToken)
	assert.Equal(t, "reconnect_required", res.ErrorKind)
	assert.Len(t, f.cal.calls, 2, "exactly one retry")
}

func TestSyncUserProviderErrors(t *testing.T) {
	f := newFixture(t, "u1")

	f.cal.err = fmt.Errorf("list events: %w", gcal.ErrAccessDenied)
	res, err := f.orch.SyncUser(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, "access_denied", res.ErrorKind)

	f.cal.err = &gcal.ProviderError{Op: "list events", StatusCode: 500, Err: errors.New("backend")}
	res, err = f.orch.SyncUser(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, "provider_error", res.ErrorKind)
	assert.Empty(t, f.tokens.refreshed, "provider errors are not retried inline")
}

func TestCleanupOldEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "u1")
	f.orch.opts.Retention = 24 * time.Hour

	_, err := f.cache.Upsert(ctx, "u1", eventcache.RawEvent{ExternalEventID: "old", StartTime: "2024-03-09T08:00:00Z", EndTime: "2024-03-09T09:00:00Z"})
	require.NoError(t, err)
	_, err = f.cache.Upsert(ctx, "u1", eventcache.RawEvent{ExternalEventID: "edge", StartTime: "2024-03-10T08:00:00Z", EndTime: "2024-03-10T09:00:00Z"})
	require.NoError(t, err)

	n, err := f.orch.CleanupOldEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.met.CachePurged))

	left, err := f.cache.Query(ctx, "u1", syncNow.Add(-72*time.Hour), syncNow)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "edge", left[0].ExternalEventID)
}

func TestCreateEventRetriesOnce(t *testing.T) {
	f := newFixture(t, "u1")
	f.cal.rejected["tok-u1"] = true

	id, err := f.orch.CreateEvent(context.Background(), "u1", gcal.EventPayload{Summary: "Plan", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, "g-1", id)
	require.Len(t, f.cal.created, 1)
	assert.Equal(t, "Plan", f.cal.created[0].Summary)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "temporary", ErrorKind(&security.RefreshError{Kind: security.RefreshTemporary, Err: errors.New("dial")}))
	assert.Equal(t, "reconnect_required", ErrorKind(fmt.Errorf("load: %w", security.ErrNoValidToken)))
	assert.Equal(t, "internal", ErrorKind(errors.New("boom")))
}
