// Package eventcache keeps a local, queryable copy of externally synced
// calendar events, keyed by (user, external event id) and gated by the
// provider fingerprint so repeated syncs are cheap no-ops.
package eventcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// ErrMalformedEvent is returned by Upsert for events without an id or with
// unparseable start/end values.
var ErrMalformedEvent = errors.New("malformed external event")

// Outcome reports what Upsert did.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// RawEvent is an external event as handed over by the sync orchestrator.
type RawEvent struct {
	ExternalEventID string
	Title           string
	Description     string
	StartTime       string
	EndTime         string
	AllDay          bool
	Location        string
	Attendees       []string
	Fingerprint     string
}

// CachedEvent is the stored record. StartTime and EndTime are UTC RFC3339;
// all-day dates are stored as UTC midnight with AllDay set, so plain string
// comparison orders every row chronologically against Bound.
type CachedEvent struct {
	UserID          string    `json:"user_id"`
	ExternalEventID string    `json:"external_event_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	AllDay          bool      `json:"all_day"`
	Location        string    `json:"location"`
	Attendees       []string  `json:"attendees"`
	Fingerprint     string    `json:"fingerprint"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is the event cache contract shared by the Redis and SQLite backends.
type Store interface {
	// Upsert inserts, overwrites (fingerprint changed) or skips (same fingerprint).
	Upsert(ctx context.Context, userID string, ev RawEvent) (Outcome, error)
	// Query returns events whose StartTime falls in [start, end), ordered by StartTime.
	Query(ctx context.Context, userID string, start, end time.Time) ([]CachedEvent, error)
	// PurgeOlderThan deletes events whose StartTime is before cutoff, for all users.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// NormalizeTime converts a provider time value into its stored form.
func NormalizeTime(raw string, allDay bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty time", ErrMalformedEvent)
	}
	if allDay || len(raw) == len(dateLayout) {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return d.Format(time.RFC3339), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return t.UTC().Format(time.RFC3339), nil
}

// Bound renders a query or purge boundary in the stored ordering.
func Bound(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseStored parses a stored StartTime/EndTime. All-day values keep their
// calendar date and resolve to midnight in loc.
func ParseStored(value string, allDay bool, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(value) == len(dateLayout) {
		return time.ParseInLocation(dateLayout, value, loc)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil || !allDay {
		return t, err
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
}

// normalize validates ev and returns the record fields it maps to.
func normalize(userID string, ev RawEvent) (CachedEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return CachedEvent{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(ev.ExternalEventID) == "" {
		return CachedEvent{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	start, err := NormalizeTime(ev.StartTime, ev.AllDay)
	if err != nil {
		return CachedEvent{}, fmt.Errorf("event %s start: %w", ev.ExternalEventID, err)
	}
	end := start
	if strings.TrimSpace(ev.EndTime) != "" {
		if end, err = NormalizeTime(ev.EndTime, ev.AllDay); err != nil {
			return CachedEvent{}, fmt.Errorf("event %s end: %w", ev.ExternalEventID, err)
		}
	}

	attendees := ev.Attendees
	if attendees == nil {
		attendees = []string{}
	}

	rec := CachedEvent{
		UserID:          userID,
		ExternalEventID: ev.ExternalEventID,
		Title:           ev.Title,
		Description:     ev.Description,
		StartTime:       start,
		EndTime:         end,
		AllDay:          ev.AllDay,
		Location:        ev.Location,
		Attendees:       attendees,
		Fingerprint:     ev.Fingerprint,
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = contentFingerprint(rec)
	}
	return rec, nil
}

// contentFingerprint stands in for a missing provider etag.
func contentFingerprint(rec CachedEvent) string {
	h := sha256.New()
	for _, part := range []string{rec.Title, rec.Description, rec.StartTime, rec.EndTime, rec.Location, strings.Join(rec.Attendees, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
