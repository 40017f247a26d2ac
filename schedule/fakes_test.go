package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"renko-cloud/eventcache"
	"renko-cloud/stores"
)

type memoryEvents struct {
	mu     sync.Mutex
	events map[string]stores.Event
	seq    int
	writes int
}

func newMemoryEvents(events ...stores.Event) *memoryEvents {
	m := &memoryEvents{events: make(map[string]stores.Event)}
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *memoryEvents) List(ctx context.Context, userID string, startMs, endMs int64) ([]stores.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []stores.Event
	for _, ev := range m.events {
		if ev.UserID != userID {
			continue
		}
		// malformed rows (zero start) are returned so the builder has to cope
		if ev.StartDate != 0 && (ev.StartDate < startMs || ev.StartDate >= endMs) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryEvents) Create(ctx context.Context, ev stores.Event) (*stores.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.writes++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("evt-%d", m.seq)
	}
	m.events[ev.ID] = ev
	return &ev, nil
}

func (m *memoryEvents) Get(ctx context.Context, userID, eventID string) (*stores.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok || ev.UserID != userID {
		return nil, fmt.Errorf("event %s: %w", eventID, stores.ErrNotFound)
	}
	return &ev, nil
}

func (m *memoryEvents) Update(ctx context.Context, userID, eventID string, patch stores.EventPatch) (*stores.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok || ev.UserID != userID {
		return nil, fmt.Errorf("event %s: %w", eventID, stores.ErrNotFound)
	}
	if patch.StartDate != nil {
		ev.StartDate = *patch.StartDate
	}
	if patch.EndDate != nil {
		ev.EndDate = *patch.EndDate
	}
	m.writes++
	m.events[eventID] = ev
	return &ev, nil
}

type memoryTasks struct {
	tasks []stores.Task
}

func (m *memoryTasks) ListUnscheduled(ctx context.Context, userID string) ([]stores.Task, error) {
	var out []stores.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryTasks) Get(ctx context.Context, userID, taskID string) (*stores.Task, error) {
	for _, t := range m.tasks {
		if t.ID == taskID && t.UserID == userID {
			t := t
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, stores.ErrNotFound)
}

type memoryCache struct {
	events []eventcache.CachedEvent
	err    error
}

func (m *memoryCache) Query(ctx context.Context, userID string, start, end time.Time) ([]eventcache.CachedEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	lo, hi := eventcache.Bound(start), eventcache.Bound(end)
	var out []eventcache.CachedEvent
	for _, ev := range m.events {
		if ev.UserID == userID && ev.StartTime >= lo && ev.StartTime < hi {
			out = append(out, ev)
		}
	}
	return out, nil
}

type countingProjects struct {
	mu     sync.Mutex
	colors map[string]string
	calls  int
}

func (p *countingProjects) GetProjectColor(ctx context.Context, projectID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	c, ok := p.colors[projectID]
	if !ok {
		return "", stores.ErrNotFound
	}
	return c, nil
}
