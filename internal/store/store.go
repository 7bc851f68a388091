package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// 1 - cursors, streams, stream_items, things
const currentSchemaVersion = 1

// Store keeps gateway state that must survive a restart: where each
// subscription stopped reading, the publishing streams and things created
// by a completed payment.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Cursor returns the saved root of a thing, or "" when none was saved.
func (s *Store) Cursor(ctx context.Context, thingID string) (string, error) {
	var root string
	err := s.db.QueryRowContext(ctx, `SELECT root FROM cursors WHERE thing_id = ?`, thingID).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor %s: %w", thingID, err)
	}
	return root, nil
}

func (s *Store) SaveCursor(ctx context.Context, thingID, root string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (thing_id, root, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thing_id) DO UPDATE SET root = excluded.root, updated_at = excluded.updated_at`,
		thingID, root, now())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", thingID, err)
	}
	return nil
}

func (s *Store) DeleteCursor(ctx context.Context, thingID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE thing_id = ?`, thingID); err != nil {
		return fmt.Errorf("delete cursor %s: %w", thingID, err)
	}
	return nil
}

type StreamRow struct {
	ID       string
	Seed     string
	Start    int
	Mode     string
	Key      string
	Root     string
	NextRoot string
	Paid     bool
}

// StreamForItem returns the stream an item was last published on.
func (s *Store) StreamForItem(ctx context.Context, item string) (*StreamRow, error) {
	var r StreamRow
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.seed, s.start, s.mode, s.key, s.root, s.next_root, s.paid
		FROM stream_items i JOIN streams s ON s.id = i.stream_id
		WHERE i.item = ?`, item).
		Scan(&r.ID, &r.Seed, &r.Start, &r.Mode, &r.Key, &r.Root, &r.NextRoot, &r.Paid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stream for %s: %w", item, err)
	}
	return &r, nil
}

// SaveStream upserts a stream and maps the given items to it.
func (s *Store) SaveStream(ctx context.Context, r StreamRow, items []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save stream %s: %w", r.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (id, seed, start, mode, key, root, next_root, paid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seed = excluded.seed, start = excluded.start, mode = excluded.mode, key = excluded.key,
			root = excluded.root, next_root = excluded.next_root, paid = excluded.paid,
			updated_at = excluded.updated_at`,
		r.ID, r.Seed, r.Start, r.Mode, r.Key, r.Root, r.NextRoot, r.Paid, now())
	if err != nil {
		return fmt.Errorf("save stream %s: %w", r.ID, err)
	}
	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stream_items (item, stream_id) VALUES (?, ?)
			ON CONFLICT(item) DO UPDATE SET stream_id = excluded.stream_id`, item, r.ID)
		if err != nil {
			return fmt.Errorf("map item %s: %w", item, err)
		}
	}
	return tx.Commit()
}

func (s *Store) RemoveStreamItem(ctx context.Context, item string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stream_items WHERE item = ?`, item); err != nil {
		return fmt.Errorf("remove item %s: %w", item, err)
	}
	return nil
}

type ThingRow struct {
	ID     string
	Kind   string
	Config []byte
}

func (s *Store) SaveThing(ctx context.Context, r ThingRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO things (id, kind, config, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, config = excluded.config, updated_at = excluded.updated_at`,
		r.ID, r.Kind, string(r.Config), now())
	if err != nil {
		return fmt.Errorf("save thing %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) Things(ctx context.Context) ([]ThingRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, config FROM things ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list things: %w", err)
	}
	defer rows.Close()

	var out []ThingRow
	for rows.Next() {
		var r ThingRow
		var cfg string
		if err := rows.Scan(&r.ID, &r.Kind, &cfg); err != nil {
			return nil, fmt.Errorf("scan thing: %w", err)
		}
		r.Config = []byte(cfg)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteThing(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM things WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete thing %s: %w", id, err)
	}
	return nil
}
