// Package stores holds the Redis-backed first-party collaborators the
// calendar core reads from and writes to: events, tasks and projects.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a record does not exist for the user.
var ErrNotFound = errors.New("not found")

// Event is a first-party calendar event. StartDate and EndDate are epoch ms.
type Event struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartDate   int64     `json:"start_date"`
	EndDate     int64     `json:"end_date"`
	AllDay      bool      `json:"all_day"`
	TaskID      string    `json:"task_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventPatch lists the fields an update may change; nil means unchanged.
type EventPatch struct {
	Title       *string
	Description *string
	StartDate   *int64
	EndDate     *int64
	AllDay      *bool
}

// Task is a kanban task as seen by the scheduler.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	ProjectID   string    `json:"project_id,omitempty"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"created_at"`
}

// Project carries the display color used to tint task-derived entries.
type Project struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

func eventsKey(userID string) string    { return "renko:events:" + userID }
func taskLinksKey(userID string) string { return "renko:task_events:" + userID }
func tasksKey(userID string) string     { return "renko:tasks:" + userID }

const projectsKey = "renko:projects"

// EventStore persists first-party events in a per-user Redis hash.
type EventStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewEventStore(client *redis.Client) *EventStore {
	return &EventStore{client: client, now: time.Now}
}

// Create assigns an id and stores the event. A linked task is recorded so the
// task no longer shows as unscheduled.
func (s *EventStore) Create(ctx context.Context, ev Event) (*Event, error) {
	if strings.TrimSpace(ev.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := s.now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, eventsKey(ev.UserID), ev.ID, payload)
		if ev.TaskID != "" {
			pipe.HSet(ctx, taskLinksKey(ev.UserID), ev.TaskID, ev.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store event: %w", err)
	}
	return &ev, nil
}

func (s *EventStore) Get(ctx context.Context, userID, eventID string) (*Event, error) {
	raw, err := s.client.HGet(ctx, eventsKey(userID), eventID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event %s: %w", eventID, err)
	}
	return &ev, nil
}

// Update applies patch to an existing event.
func (s *EventStore) Update(ctx context.Context, userID, eventID string, patch EventPatch) (*Event, error) {
	ev, err := s.Get(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		ev.Title = *patch.Title
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
	}
	if patch.StartDate != nil {
		ev.StartDate = *patch.StartDate
	}
	if patch.EndDate != nil {
		ev.EndDate = *patch.EndDate
	}
	if patch.AllDay != nil {
		ev.AllDay = *patch.AllDay
	}
	ev.UpdatedAt = s.now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.HSet(ctx, eventsKey(userID), eventID, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to update event %s: %w", eventID, err)
	}
	return ev, nil
}

// List returns events whose StartDate falls in [startMs, endMs), ordered by
// start. Records that fail to decode are skipped.
func (s *EventStore) List(ctx context.Context, userID string, startMs, endMs int64) ([]Event, error) {
	entries, err := s.client.HGetAll(ctx, eventsKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]Event, 0, len(entries))
	for _, raw := range entries {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if ev.StartDate < startMs || ev.StartDate >= endMs {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StartDate == events[j].StartDate {
			return events[i].ID < events[j].ID
		}
		return events[i].StartDate < events[j].StartDate
	})
	return events, nil
}

// TaskStore reads tasks; Save exists for the board CRUD and for seeding.
type TaskStore struct {
	client *redis.Client
}

func NewTaskStore(client *redis.Client) *TaskStore {
	return &TaskStore{client: client}
}

func (s *TaskStore) Save(ctx context.Context, task Task) (*Task, error) {
	if strings.TrimSpace(task.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := s.client.HSet(ctx, tasksKey(task.UserID), task.ID, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to store task: %w", err)
	}
	return &task, nil
}

func (s *TaskStore) Get(ctx context.Context, userID, taskID string) (*Task, error) {
	raw, err := s.client.HGet(ctx, tasksKey(userID), taskID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	return &task, nil
}

// ListUnscheduled returns open tasks that are not linked to any event,
// oldest first.
func (s *TaskStore) ListUnscheduled(ctx context.Context, userID string) ([]Task, error) {
	entries, err := s.client.HGetAll(ctx, tasksKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	linked, err := s.client.HGetAll(ctx, taskLinksKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list task links: %w", err)
	}

	tasks := make([]Task, 0, len(entries))
	for id, raw := range entries {
		if _, ok := linked[id]; ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		if task.Done {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ProjectStore resolves project display metadata.
type ProjectStore struct {
	client *redis.Client
}

func NewProjectStore(client *redis.Client) *ProjectStore {
	return &ProjectStore{client: client}
}

func (s *ProjectStore) Save(ctx context.Context, project Project) (*Project, error) {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	payload, err := json.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}
	if err := s.client.HSet(ctx, projectsKey, project.ID, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to store project: %w", err)
	}
	return &project, nil
}

func (s *ProjectStore) Get(ctx context.Context, projectID string) (*Project, error) {
	raw, err := s.client.HGet(ctx, projectsKey, projectID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	var project Project
	if err := json.Unmarshal(raw, &project); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", projectID, err)
	}
	return &project, nil
}

// GetProjectColor returns the project's color token.
func (s *ProjectStore) GetProjectColor(ctx context.Context, projectID string) (string, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return "", err
	}
	return project.Color, nil
}
