package schedule

import (
	"fmt"
	"time"
)

// Source identifies where a merged entry came from.
type Source string

const (
	// SourceApp is a first-party event created in the app.
	SourceApp Source = "app"
	// SourceTask is a first-party event linked to a kanban task.
	SourceTask Source = "task"
	// SourceExternal is a cached Google Calendar event.
	SourceExternal Source = "external"
)

// AppDetails is set on SourceApp entries.
type AppDetails struct {
	EventID   string `json:"event_id"`
	ProjectID string `json:"project_id,omitempty"`
	AllDay    bool   `json:"all_day"`
}

// TaskDetails is set on SourceTask entries.
type TaskDetails struct {
	EventID   string `json:"event_id"`
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// ExternalDetails is set on SourceExternal entries.
type ExternalDetails struct {
	ExternalEventID string   `json:"external_event_id"`
	Location        string   `json:"location,omitempty"`
	Attendees       []string `json:"attendees,omitempty"`
	AllDay          bool     `json:"all_day"`
}

// Entry is one merged schedule item. Exactly one of App, Task or External is
// set, matching Source. Entries are computed per request and never stored.
type Entry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	DayIndex    int       `json:"day_index"`
	Source      Source    `json:"source_type"`
	Color       string    `json:"color,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Position    float64   `json:"position"`
	Height      float64   `json:"height"`
	ZIndex      int       `json:"z_index"`

	App      *AppDetails      `json:"app,omitempty"`
	Task     *TaskDetails     `json:"task,omitempty"`
	External *ExternalDetails `json:"external,omitempty"`
}

// AllDay reports whether the entry spans whole days.
func (e *Entry) AllDay() bool {
	switch e.Source {
	case SourceApp:
		return e.App != nil && e.App.AllDay
	case SourceTask:
		return false
	case SourceExternal:
		return e.External != nil && e.External.AllDay
	default:
		panic(fmt.Sprintf("schedule: unknown entry source %q", e.Source))
	}
}

// Movable reports whether the entry can be dragged to another day.
// External entries belong to the provider.
func (e *Entry) Movable() bool {
	switch e.Source {
	case SourceApp, SourceTask:
		return true
	case SourceExternal:
		return false
	default:
		panic(fmt.Sprintf("schedule: unknown entry source %q", e.Source))
	}
}

// Validate checks that the payload pointer matches Source.
func (e *Entry) Validate() error {
	set := 0
	for _, ok := range []bool{e.App != nil, e.Task != nil, e.External != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("entry %s: expected exactly one source payload, got %d", e.ID, set)
	}
	switch e.Source {
	case SourceApp:
		if e.App == nil {
			return fmt.Errorf("entry %s: app source without app payload", e.ID)
		}
	case SourceTask:
		if e.Task == nil {
			return fmt.Errorf("entry %s: task source without task payload", e.ID)
		}
	case SourceExternal:
		if e.External == nil {
			return fmt.Errorf("entry %s: external source without external payload", e.ID)
		}
	default:
		return fmt.Errorf("entry %s: unknown source %q", e.ID, e.Source)
	}
	return nil
}
