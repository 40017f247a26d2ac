package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renko-cloud/metrics"
	"renko-cloud/stores"
)

func TestRescheduleKeepsTimeOfDayAndDuration(t *testing.T) {
	start := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 15, 15, 30, 0, 0, time.UTC)
	events := newMemoryEvents(stores.Event{ID: "e1", UserID: "u1", Title: "Review", StartDate: start.UnixMilli(), EndDate: end.UnixMilli()})
	m := NewMutator(events, &memoryTasks{}, time.UTC, nil)

	// Friday is day 4 of the week starting Monday the 11th; +2 days is day 6.
	updated, err := m.RescheduleEvent(context.Background(), "u1", "e1", monday, 6)
	require.NoError(t, err)

	newStart := time.UnixMilli(updated.StartDate).UTC()
	newEnd := time.UnixMilli(updated.EndDate).UTC()
	assert.Equal(t, time.Date(2024, 3, 17, 14, 0, 0, 0, time.UTC), newStart)
	assert.Equal(t, 90*time.Minute, newEnd.Sub(newStart))
}

func TestReschedulePreservesSecondsAndMillis(t *testing.T) {
	start := time.Date(2024, 3, 12, 9, 15, 42, 123_000_000, time.UTC)
	events := newMemoryEvents(stores.Event{ID: "e1", UserID: "u1", StartDate: start.UnixMilli(), EndDate: start.Add(25 * time.Minute).UnixMilli()})
	m := NewMutator(events, &memoryTasks{}, time.UTC, nil)

	updated, err := m.RescheduleEvent(context.Background(), "u1", "e1", monday, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 15, 42, 123_000_000, time.UTC).UnixMilli(), updated.StartDate)
	assert.Equal(t, int64(25*60*1000), updated.EndDate-updated.StartDate)
}

func TestRescheduleAcrossDSTKeepsWallClock(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// US DST starts Sunday 2024-03-10.
	start := time.Date(2024, 3, 8, 9, 0, 0, 0, ny)
	events := newMemoryEvents(stores.Event{ID: "e1", UserID: "u1", StartDate: start.UnixMilli(), EndDate: start.Add(time.Hour).UnixMilli()})
	m := NewMutator(events, &memoryTasks{}, ny, nil)

	updated, err := m.RescheduleEvent(context.Background(), "u1", "e1", time.Date(2024, 3, 11, 0, 0, 0, 0, ny), 0)
	require.NoError(t, err)
	got := time.UnixMilli(updated.StartDate).In(ny)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 11, got.Day())
}

func TestRescheduleRejectsCorruptDuration(t *testing.T) {
	start := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	cases := map[string]int64{
		"zero length": start.UnixMilli(),
		"reversed":    start.Add(-time.Hour).UnixMilli(),
	}
	for name, endMs := range cases {
		t.Run(name, func(t *testing.T) {
			events := newMemoryEvents(stores.Event{ID: "e1", UserID: "u1", StartDate: start.UnixMilli(), EndDate: endMs})
			met := metrics.NewMetrics("test")
			m := NewMutator(events, &memoryTasks{}, time.UTC, met)

			_, err := m.RescheduleEvent(context.Background(), "u1", "e1", monday, 1)
			require.ErrorIs(t, err, ErrInvalidReschedule)
			assert.Zero(t, events.writes, "nothing written on rejection")

			stored, err := events.Get(context.Background(), "u1", "e1")
			require.NoError(t, err)
			assert.Equal(t, start.UnixMilli(), stored.StartDate)
			assert.Equal(t, 1.0, testutil.ToFloat64(met.ScheduleMutations.WithLabelValues("reschedule", "invalid")))
		})
	}
}

func TestRescheduleUnknownEvent(t *testing.T) {
	m := NewMutator(newMemoryEvents(), &memoryTasks{}, time.UTC, nil)
	_, err := m.RescheduleEvent(context.Background(), "u1", "missing", monday, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleTaskAtCreatesOneHourLinkedEvent(t *testing.T) {
	events := newMemoryEvents()
	tasks := &memoryTasks{tasks: []stores.Task{{ID: "task-1", UserID: "u1", Title: "Plan sprint", Description: "Q2", ProjectID: "p1"}}}
	m := NewMutator(events, tasks, time.UTC, nil)

	ev, err := m.ScheduleTaskAt(context.Background(), "u1", "task-1", monday, 2, 10)
	require.NoError(t, err)

	assert.Equal(t, "task-1", ev.TaskID)
	assert.Equal(t, "p1", ev.ProjectID)
	assert.Equal(t, "Plan sprint", ev.Title)
	assert.Equal(t, time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC).UnixMilli(), ev.StartDate)
	assert.Equal(t, int64(time.Hour/time.Millisecond), ev.EndDate-ev.StartDate)
}

func TestScheduleTaskAtValidatesSlot(t *testing.T) {
	tasks := &memoryTasks{tasks: []stores.Task{{ID: "task-1", UserID: "u1"}}}
	m := NewMutator(newMemoryEvents(), tasks, time.UTC, nil)
	ctx := context.Background()

	_, err := m.ScheduleTaskAt(ctx, "u1", "task-1", monday, 7, 9)
	assert.ErrorIs(t, err, ErrInvalidSlot)
	_, err = m.ScheduleTaskAt(ctx, "u1", "task-1", monday, 0, 24)
	assert.ErrorIs(t, err, ErrInvalidSlot)
	_, err = m.ScheduleTaskAt(ctx, "u1", "nope", monday, 0, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}
