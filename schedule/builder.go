// Package schedule merges first-party events, task-linked events and cached
// external events into a week time-grid, and applies drag-and-drop mutations.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"renko-cloud/eventcache"
	"renko-cloud/stores"
)

var (
	// ErrMalformedEvent marks an event whose timestamps cannot be placed.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNotFound is returned when the referenced task or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSlot is returned for out-of-range day, hour or view width.
	ErrInvalidSlot = errors.New("invalid schedule slot")
)

// EventSource lists first-party events whose start falls in [startMs, endMs).
type EventSource interface {
	List(ctx context.Context, userID string, startMs, endMs int64) ([]stores.Event, error)
}

// TaskSource is the read side of the task store.
type TaskSource interface {
	ListUnscheduled(ctx context.Context, userID string) ([]stores.Task, error)
	Get(ctx context.Context, userID, taskID string) (*stores.Task, error)
}

// ProjectColors resolves a project's display color.
type ProjectColors interface {
	GetProjectColor(ctx context.Context, projectID string) (string, error)
}

// CacheReader is the query side of the external event cache.
type CacheReader interface {
	Query(ctx context.Context, userID string, start, end time.Time) ([]eventcache.CachedEvent, error)
}

// Column is one day of the grid.
type Column struct {
	DayIndex int    `json:"day_index"`
	Date     string `json:"date"`
	Weekday  string `json:"weekday"`
	IsToday  bool   `json:"is_today"`
}

// UnscheduledTask is a sidebar candidate for drag-to-schedule.
type UnscheduledTask struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Priority     string `json:"priority,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	ProjectColor string `json:"project_color,omitempty"`
}

// Week is the merged view returned to the UI.
type Week struct {
	UserID      string            `json:"user_id"`
	WeekStart   time.Time         `json:"week_start"`
	Days        int               `json:"days"`
	RowHeightPx int               `json:"row_height_px"`
	Columns     []Column          `json:"columns"`
	Entries     []Entry           `json:"entries"`
	Unscheduled []UnscheduledTask `json:"unscheduled"`
	Skipped     int               `json:"skipped"`
}

// Builder composes Week views. It never writes.
type Builder struct {
	events   EventSource
	tasks    TaskSource
	cache    CacheReader
	projects ProjectColors
	colors   *TTLCache[string, string]
	layout   Layout
	now      func() time.Time
}

// NewBuilder wires the collaborators. projects may be nil.
func NewBuilder(events EventSource, tasks TaskSource, cache CacheReader, projects ProjectColors, layout Layout, colorTTL time.Duration) *Builder {
	if colorTTL <= 0 {
		colorTTL = 5 * time.Minute
	}
	return &Builder{
		events:   events,
		tasks:    tasks,
		cache:    cache,
		projects: projects,
		colors:   NewTTLCache[string, string](colorTTL),
		layout:   layout,
		now:      time.Now,
	}
}

// Layout returns the grid geometry in use.
func (b *Builder) Layout() Layout { return b.layout }

// BuildWeek merges the three sources for the days (5 or 7) starting at
// weekStart's calendar date. Malformed records are skipped and counted.
func (b *Builder) BuildWeek(ctx context.Context, userID string, weekStart time.Time, days int) (*Week, error) {
	if days != 5 && days != 7 {
		return nil, fmt.Errorf("%w: days must be 5 or 7, got %d", ErrInvalidSlot, days)
	}
	ws := b.layout.StartOfDay(weekStart)
	we := ws.AddDate(0, 0, 7)

	week := &Week{
		UserID:      userID,
		WeekStart:   ws,
		Days:        days,
		RowHeightPx: b.layout.RowHeightPx,
		Columns:     b.columns(ws, days),
	}

	appEvents, err := b.events.List(ctx, userID, ws.UnixMilli(), we.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var first []Entry
	for _, ev := range appEvents {
		entry, err := b.fromAppEvent(ctx, userID, ev)
		if err != nil {
			zap.S().Warnf("Schedule: skipping event user=%s event=%s: %v", userID, ev.ID, err)
			week.Skipped++
			continue
		}
		if b.place(&entry, ws, days) {
			first = append(first, entry)
		}
	}

	var external []Entry
	if b.cache != nil {
		// Rows are keyed in UTC while buckets use the layout zone, so widen
		// by a day on each side and let the date bucketing decide.
		cached, err := b.cache.Query(ctx, userID, ws.AddDate(0, 0, -1), we.AddDate(0, 0, 1))
		if err != nil {
			zap.S().Warnf("Schedule: event cache query err user=%s: %v", userID, err)
		}
		for _, ev := range cached {
			entry, err := b.fromCachedEvent(ev)
			if err != nil {
				zap.S().Warnf("Schedule: skipping external event user=%s event=%s: %v", userID, ev.ExternalEventID, err)
				week.Skipped++
				continue
			}
			if b.place(&entry, ws, days) {
				external = append(external, entry)
			}
		}
	}

	byStart := func(list []Entry) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
	}
	byStart(first)
	byStart(external)

	entries := append(first, external...)
	z := make(map[int]int, days)
	for i := range entries {
		entries[i].ZIndex = z[entries[i].DayIndex]
		z[entries[i].DayIndex]++
	}
	if entries == nil {
		entries = []Entry{}
	}
	week.Entries = entries

	unscheduled, err := b.unscheduled(ctx, userID)
	if err != nil {
		return nil, err
	}
	week.Unscheduled = unscheduled
	return week, nil
}

func (b *Builder) columns(ws time.Time, days int) []Column {
	today := b.layout.StartOfDay(b.now())
	cols := make([]Column, 0, days)
	for i := 0; i < days; i++ {
		d := ws.AddDate(0, 0, i)
		cols = append(cols, Column{
			DayIndex: i,
			Date:     d.Format("2006-01-02"),
			Weekday:  d.Weekday().String(),
			IsToday:  d.Equal(today),
		})
	}
	return cols
}

// place sets DayIndex, Position and Height. It reports false when the entry
// falls outside every day bucket.
func (b *Builder) place(e *Entry, ws time.Time, days int) bool {
	idx, ok := b.layout.DayIndex(e.Start, ws, days)
	if !ok {
		return false
	}
	e.DayIndex = idx
	if e.AllDay() {
		e.Position = 0
		e.Height = float64(b.layout.minHeight())
		return true
	}
	e.Position = b.layout.Position(e.Start)
	e.Height = b.layout.Height(e.Start, e.End)
	return true
}

func (b *Builder) fromAppEvent(ctx context.Context, userID string, ev stores.Event) (Entry, error) {
	if ev.StartDate <= 0 || ev.EndDate <= 0 {
		return Entry{}, fmt.Errorf("%w: start=%d end=%d", ErrMalformedEvent, ev.StartDate, ev.EndDate)
	}
	if ev.EndDate < ev.StartDate {
		return Entry{}, fmt.Errorf("%w: end before start", ErrMalformedEvent)
	}

	loc := b.layout.loc()
	entry := Entry{
		ID:          ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Start:       time.UnixMilli(ev.StartDate).In(loc),
		End:         time.UnixMilli(ev.EndDate).In(loc),
		Color:       b.projectColor(ctx, ev.ProjectID),
	}

	if ev.TaskID != "" {
		entry.Source = SourceTask
		entry.Task = &TaskDetails{EventID: ev.ID, TaskID: ev.TaskID, ProjectID: ev.ProjectID}
		if b.tasks != nil {
			if task, err := b.tasks.Get(ctx, userID, ev.TaskID); err == nil {
				entry.Priority = task.Priority
				if entry.Color == "" {
					entry.Color = b.projectColor(ctx, task.ProjectID)
				}
			}
		}
	} else {
		entry.Source = SourceApp
		entry.App = &AppDetails{EventID: ev.ID, ProjectID: ev.ProjectID, AllDay: ev.AllDay}
	}
	return entry, nil
}

func (b *Builder) fromCachedEvent(ev eventcache.CachedEvent) (Entry, error) {
	loc := b.layout.loc()
	start, err := eventcache.ParseStored(ev.StartTime, ev.AllDay, loc)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: start %q", ErrMalformedEvent, ev.StartTime)
	}
	end, err := eventcache.ParseStored(ev.EndTime, ev.AllDay, loc)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: end %q", ErrMalformedEvent, ev.EndTime)
	}
	if end.Before(start) {
		return Entry{}, fmt.Errorf("%w: end before start", ErrMalformedEvent)
	}

	return Entry{
		ID:          ev.ExternalEventID,
		Title:       ev.Title,
		Description: ev.Description,
		Start:       start.In(loc),
		End:         end.In(loc),
		Source:      SourceExternal,
		External: &ExternalDetails{
			ExternalEventID: ev.ExternalEventID,
			Location:        ev.Location,
			Attendees:       ev.Attendees,
			AllDay:          ev.AllDay,
		},
	}, nil
}

func (b *Builder) unscheduled(ctx context.Context, userID string) ([]UnscheduledTask, error) {
	out := []UnscheduledTask{}
	if b.tasks == nil {
		return out, nil
	}
	tasks, err := b.tasks.ListUnscheduled(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unscheduled tasks: %w", err)
	}
	for _, t := range tasks {
		out = append(out, UnscheduledTask{
			ID:           t.ID,
			Title:        t.Title,
			Description:  t.Description,
			Priority:     t.Priority,
			ProjectID:    t.ProjectID,
			ProjectColor: b.projectColor(ctx, t.ProjectID),
		})
	}
	return out, nil
}

// projectColor is display enrichment only; lookup failures yield "".
func (b *Builder) projectColor(ctx context.Context, projectID string) string {
	if projectID == "" || b.projects == nil {
		return ""
	}
	color, err := b.colors.GetOrFetch(ctx, projectID, func(ctx context.Context) (string, error) {
		return b.projects.GetProjectColor(ctx, projectID)
	})
	if err != nil {
		zap.S().Debugf("Schedule: project color lookup failed project=%s: %v", projectID, err)
		return ""
	}
	return color
}
