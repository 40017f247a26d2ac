package eventcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-file alternative backend. Times are stored as the
// normalized strings, so range checks are plain text comparisons.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath in WAL mode.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open event cache %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open event cache %s: %w", dbPath, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cached_events (
			user_id TEXT NOT NULL,
			external_event_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			location TEXT NOT NULL DEFAULT '',
			attendees TEXT NOT NULL DEFAULT '[]',
			fingerprint TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, external_event_id)
		);
		CREATE INDEX IF NOT EXISTS idx_cached_events_user_start ON cached_events(user_id, start_time);
		CREATE INDEX IF NOT EXISTS idx_cached_events_start ON cached_events(start_time);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate event cache: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, userID string, ev RawEvent) (Outcome, error) {
	rec, err := normalize(userID, ev)
	if err != nil {
		return "", err
	}
	attendees, err := json.Marshal(rec.Attendees)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attendees: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	var fingerprint string
	err = tx.QueryRowContext(ctx,
		`SELECT fingerprint FROM cached_events WHERE user_id = ? AND external_event_id = ?`,
		userID, rec.ExternalEventID,
	).Scan(&fingerprint)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return "", fmt.Errorf("failed to load cached event %s: %w", rec.ExternalEventID, err)
	}
	if found && fingerprint == rec.Fingerprint {
		return OutcomeUnchanged, nil
	}

	now := s.now().UTC()
	if found {
		_, err = tx.ExecContext(ctx, `
			UPDATE cached_events
			SET title = ?, description = ?, start_time = ?, end_time = ?, all_day = ?,
			    location = ?, attendees = ?, fingerprint = ?, updated_at = ?
			WHERE user_id = ? AND external_event_id = ?`,
			rec.Title, rec.Description, rec.StartTime, rec.EndTime, rec.AllDay,
			rec.Location, string(attendees), rec.Fingerprint, now,
			userID, rec.ExternalEventID,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cached_events
				(user_id, external_event_id, title, description, start_time, end_time, all_day,
				 location, attendees, fingerprint, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, rec.ExternalEventID, rec.Title, rec.Description, rec.StartTime, rec.EndTime, rec.AllDay,
			rec.Location, string(attendees), rec.Fingerprint, now, now,
		)
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert cached event %s: %w", rec.ExternalEventID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit cached event %s: %w", rec.ExternalEventID, err)
	}

	if found {
		return OutcomeUpdated, nil
	}
	return OutcomeInserted, nil
}

func (s *SQLiteStore) Query(ctx context.Context, userID string, start, end time.Time) ([]CachedEvent, error) {
	if !start.Before(end) {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, external_event_id, title, description, start_time, end_time, all_day,
		       location, attendees, fingerprint, created_at, updated_at
		FROM cached_events
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time, external_event_id`,
		userID, Bound(start), Bound(end),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached events: %w", err)
	}
	defer rows.Close()

	events := []CachedEvent{}
	for rows.Next() {
		var (
			rec       CachedEvent
			attendees string
		)
		if err := rows.Scan(&rec.UserID, &rec.ExternalEventID, &rec.Title, &rec.Description,
			&rec.StartTime, &rec.EndTime, &rec.AllDay, &rec.Location, &attendees,
			&rec.Fingerprint, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached event: %w", err)
		}
		if err := json.Unmarshal([]byte(attendees), &rec.Attendees); err != nil {
			rec.Attendees = []string{}
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_events WHERE start_time < ?`, Bound(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge cached events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged events: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
