// Package docstore keeps local replicas in sqlite between runs, so that edits made while offline
// are still there to be republished when a provider next reconciles.
package docstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
)

type Store struct {
	database *sql.DB
	logger   *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS stores (
		id text not null primary key,
		content text not null,
		updated_at integer not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create stores table: %w", err)
	}
	return &Store{database: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// Load returns the replica stored under id, or false if there is none.
func (s *Store) Load(ctx context.Context, id string) (*crdt.Replica, bool, error) {
	var rawSave string
	if err := s.database.QueryRowContext(ctx, `SELECT content FROM stores WHERE id = ?`, id).Scan(&rawSave); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawSave)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode: %w", err)
	}
	r, err := crdt.LoadReplica(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Save writes the replica under id and reports whether the stored content changed.
func (s *Store) Save(ctx context.Context, id string, r *crdt.Replica) (bool, error) {
	newContent := base64.StdEncoding.EncodeToString(r.Bytes())
	res, err := s.database.ExecContext(
		ctx, `INSERT INTO stores (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		WHERE stores.content != excluded.content`,
		id, newContent, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save doc: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count saved rows: %w", err)
	}
	return n > 0, nil
}

// List returns the ids of every stored replica.
func (s *Store) List(ctx context.Context) ([]string, error) {
	res, err := s.database.QueryContext(ctx, `SELECT id FROM stores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(res)
	out := make([]string, 0)
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, res.Err()
}

// BackupContinuously saves the replica every interval until ctx ends, then saves it one last
// time.
func (s *Store) BackupContinuously(ctx context.Context, interval time.Duration, id string, r *crdt.Replica) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.backup(ctx, id, r)
		case <-ctx.Done():
			s.backup(context.Background(), id, r)
			return
		}
	}
}

func (s *Store) backup(ctx context.Context, id string, r *crdt.Replica) {
	if changed, err := s.Save(ctx, id, r); err != nil {
		s.logger.Error("failed to backup doc in database", "store", id, "err", err)
	} else if changed {
		s.logger.Info("backed up", "store", id)
	}
}
