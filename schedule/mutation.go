package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"renko-cloud/metrics"
	"renko-cloud/stores"
)

// ErrInvalidReschedule is returned when a move would not leave start before end.
// Nothing is written in that case.
var ErrInvalidReschedule = errors.New("invalid reschedule: start must be before end")

// DefaultTaskDuration is used when a task is dropped onto the grid; tasks
// carry no duration of their own.
const DefaultTaskDuration = time.Hour

// EventWriter is the first-party event store as used by mutations.
type EventWriter interface {
	Create(ctx context.Context, ev stores.Event) (*stores.Event, error)
	Get(ctx context.Context, userID, eventID string) (*stores.Event, error)
	Update(ctx context.Context, userID, eventID string, patch stores.EventPatch) (*stores.Event, error)
}

// TaskReader loads the task being scheduled.
type TaskReader interface {
	Get(ctx context.Context, userID, taskID string) (*stores.Task, error)
}

// Mutator turns grid gestures into event store writes.
type Mutator struct {
	events  EventWriter
	tasks   TaskReader
	loc     *time.Location
	metrics *metrics.Metrics
}

func NewMutator(events EventWriter, tasks TaskReader, loc *time.Location, m *metrics.Metrics) *Mutator {
	if loc == nil {
		loc = time.UTC
	}
	return &Mutator{events: events, tasks: tasks, loc: loc, metrics: m}
}

func (m *Mutator) dayOf(weekStart time.Time, day int) (int, time.Month, int) {
	ws := weekStart.In(m.loc)
	d := time.Date(ws.Year(), ws.Month(), ws.Day()+day, 0, 0, 0, 0, m.loc)
	return d.Year(), d.Month(), d.Day()
}

// ScheduleTaskAt creates a one-hour event for the task on weekStart+day at
// hour:00 in the configured timezone.
func (m *Mutator) ScheduleTaskAt(ctx context.Context, userID, taskID string, weekStart time.Time, day, hour int) (*stores.Event, error) {
	ev, err := m.scheduleTaskAt(ctx, userID, taskID, weekStart, day, hour)
	m.record("schedule_task", err)
	return ev, err
}

func (m *Mutator) scheduleTaskAt(ctx context.Context, userID, taskID string, weekStart time.Time, day, hour int) (*stores.Event, error) {
	if day < 0 || day > 6 {
		return nil, fmt.Errorf("%w: day %d", ErrInvalidSlot, day)
	}
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("%w: hour %d", ErrInvalidSlot, hour)
	}

	task, err := m.tasks.Get(ctx, userID, taskID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	y, mo, d := m.dayOf(weekStart, day)
	start := time.Date(y, mo, d, hour, 0, 0, 0, m.loc)
	end := start.Add(DefaultTaskDuration)

	created, err := m.events.Create(ctx, stores.Event{
		UserID:      userID,
		Title:       task.Title,
		Description: task.Description,
		StartDate:   start.UnixMilli(),
		EndDate:     end.UnixMilli(),
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event for task %s: %w", taskID, err)
	}

	zap.S().Infof("Schedule: task %s scheduled user=%s start=%s", taskID, userID, start.Format(time.RFC3339))
	return created, nil
}

// RescheduleEvent moves an event to weekStart+day, keeping its time of day
// and its duration.
func (m *Mutator) RescheduleEvent(ctx context.Context, userID, eventID string, weekStart time.Time, day int) (*stores.Event, error) {
	ev, err := m.rescheduleEvent(ctx, userID, eventID, weekStart, day)
	m.record("reschedule", err)
	return ev, err
}

func (m *Mutator) rescheduleEvent(ctx context.Context, userID, eventID string, weekStart time.Time, day int) (*stores.Event, error) {
	if day < 0 || day > 6 {
		return nil, fmt.Errorf("%w: day %d", ErrInvalidSlot, day)
	}

	orig, err := m.events.Get(ctx, userID, eventID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	newStart, newEnd := m.Shift(orig, weekStart, day)
	if !newStart.Before(newEnd) {
		zap.S().Warnf("Schedule: rejecting move user=%s event=%s start=%d end=%d", userID, eventID, orig.StartDate, orig.EndDate)
		return nil, fmt.Errorf("%w (event %s)", ErrInvalidReschedule, eventID)
	}

	startMs, endMs := newStart.UnixMilli(), newEnd.UnixMilli()
	updated, err := m.events.Update(ctx, userID, eventID, stores.EventPatch{StartDate: &startMs, EndDate: &endMs})
	if err != nil {
		return nil, fmt.Errorf("failed to update event %s: %w", eventID, mapStoreErr(err))
	}
	return updated, nil
}

// Shift computes the moved start and end: the target calendar day at the
// original hour, minute, second and millisecond, plus the original duration.
func (m *Mutator) Shift(ev *stores.Event, weekStart time.Time, day int) (time.Time, time.Time) {
	orig := time.UnixMilli(ev.StartDate).In(m.loc)
	duration := time.Duration(ev.EndDate-ev.StartDate) * time.Millisecond

	y, mo, d := m.dayOf(weekStart, day)
	newStart := time.Date(y, mo, d, orig.Hour(), orig.Minute(), orig.Second(), orig.Nanosecond(), m.loc)
	return newStart, newStart.Add(duration)
}

func (m *Mutator) record(op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidReschedule), errors.Is(err, ErrInvalidSlot):
		result = "invalid"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.metrics.RecordScheduleMutation(op, result)
}

func mapStoreErr(err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
