package relayserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"
)

// Store persists relay events in sqlite. Events are kept in arrival order and never replaced.
type Store struct {
	database *sql.DB
}

// OpenStore opens or creates the sqlite database at path. Use ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite only allows a single writer, and every ":memory:" connection is a separate database
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS events (
		seq integer primary key autoincrement,
		id text not null unique,
		pubkey text not null,
		kind integer not null,
		created_at integer not null,
		raw text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	if _, err := s.database.Exec(`CREATE INDEX IF NOT EXISTS events_kind ON events (kind)`); err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}
	slog.Debug("Ensured relay tables exist")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.database.Close()
}

// Save stores event and reports whether it was new.
func (s *Store) Save(ctx context.Context, event *nostr.Event) (bool, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}
	res, err := s.database.ExecContext(
		ctx, `INSERT OR IGNORE INTO events (id, pubkey, kind, created_at, raw) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.PubKey, event.Kind, int64(event.CreatedAt), string(raw),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count inserted rows: %w", err)
	}
	return n > 0, nil
}

// Query returns the stored events matching any of filters, oldest first. A filter's limit keeps
// only its newest matches.
func (s *Store) Query(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT raw FROM events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	matched := make([]*nostr.Event, 0)
	perFilter := make([][]string, len(filters))
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		event := new(nostr.Event)
		if err := json.Unmarshal([]byte(raw), event); err != nil {
			return nil, fmt.Errorf("failed to decode stored event: %w", err)
		}
		hit := false
		for i, f := range filters {
			if f.Matches(event) {
				perFilter[i] = append(perFilter[i], event.ID)
				hit = true
			}
		}
		if hit {
			matched = append(matched, event)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	keep := make(map[string]struct{}, len(matched))
	for i, ids := range perFilter {
		if limit := filters[i].Limit; limit > 0 && len(ids) > limit {
			ids = ids[len(ids)-limit:]
		}
		for _, id := range ids {
			keep[id] = struct{}{}
		}
	}
	out := make([]*nostr.Event, 0, len(keep))
	for _, e := range matched {
		if _, ok := keep[e.ID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.database.QueryRowContext(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
