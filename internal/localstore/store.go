// Package localstore is the per-machine persistence for editor sessions:
// chat history, debug snapshots, and settings fingerprints, all keyed by
// page identity.
//
// Backed by a SQLite database under a directory guarded by a file lock, so
// exactly one process owns the local state at a time. Everything here is
// convenience state: callers treat failures as warnings, not errors on the
// user path.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pageforge/pageforge/internal/chatlog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrLocked indicates another process already owns the local store
// directory.
var ErrLocked = errors.New("local store is locked by another process")

// PageKey builds the canonical page identity key.
func PageKey(pageType, pageID string) string {
	return pageType + ":" + pageID
}

// Store is the SQLite-backed local store. Safe for concurrent use within
// the owning process.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *slog.Logger
}

// Open locks dir and opens (creating if necessary) the store inside it.
// Returns ErrLocked when another process holds the directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create local store directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire local store lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "pageforge.db"))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return &Store{db: db, lock: lock, logger: logger}, nil
}

// migrateUp applies pending migrations from the embedded filesystem.
func migrateUp(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database and releases the directory lock.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := s.lock.Unlock()
	if dbErr != nil {
		return fmt.Errorf("close local store: %w", dbErr)
	}
	if lockErr != nil {
		return fmt.Errorf("release local store lock: %w", lockErr)
	}
	return nil
}

// SaveMessage appends one chat message for pageKey.
func (s *Store) SaveMessage(ctx context.Context, pageKey string, msg chatlog.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, page_key, role, content, suggestion, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), pageKey, msg.Role, msg.Content, msg.Suggestion, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save chat message: %w", err)
	}
	return nil
}

// LoadMessages returns pageKey's messages in append order.
func (s *Store) LoadMessages(ctx context.Context, pageKey string) ([]chatlog.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, suggestion, created_at
		 FROM chat_messages WHERE page_key = ? ORDER BY seq`,
		pageKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []chatlog.Message
	for rows.Next() {
		var (
			msg   chatlog.Message
			rawID string
		)
		if err := rows.Scan(&rawID, &msg.Role, &msg.Content, &msg.Suggestion, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q: %w", rawID, err)
		}
		msg.ID = id
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

// ResetPage clears pageKey's messages and debug snapshots in one
// transaction. The settings fingerprint survives a chat reset.
func (s *Store) ResetPage(ctx context.Context, pageKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE page_key = ?`, pageKey); err != nil {
		return fmt.Errorf("reset chat messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM debug_snapshots WHERE page_key = ?`, pageKey); err != nil {
		return fmt.Errorf("reset debug snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// SaveSnapshot upserts one stage's debug snapshot payload for pageKey.
func (s *Store) SaveSnapshot(ctx context.Context, pageKey, stage string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO debug_snapshots (page_key, stage, payload, captured_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (page_key, stage) DO UPDATE SET payload = excluded.payload, captured_at = excluded.captured_at`,
		pageKey, stage, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save debug snapshot: %w", err)
	}
	return nil
}

// LoadSnapshots returns pageKey's debug snapshot payloads keyed by stage.
func (s *Store) LoadSnapshots(ctx context.Context, pageKey string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, payload FROM debug_snapshots WHERE page_key = ?`,
		pageKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load debug snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make(map[string][]byte)
	for rows.Next() {
		var stage, payload string
		if err := rows.Scan(&stage, &payload); err != nil {
			return nil, fmt.Errorf("scan debug snapshot: %w", err)
		}
		snaps[stage] = []byte(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debug snapshots: %w", err)
	}
	return snaps, nil
}

// SaveFingerprint records the hash of the external settings last seen for
// pageKey.
func (s *Store) SaveFingerprint(ctx context.Context, pageKey, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings_fingerprints (page_key, fingerprint, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (page_key) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		pageKey, fingerprint, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save settings fingerprint: %w", err)
	}
	return nil
}

// LoadFingerprint returns the stored fingerprint, or "" when none exists.
func (s *Store) LoadFingerprint(ctx context.Context, pageKey string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM settings_fingerprints WHERE page_key = ?`,
		pageKey,
	).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load settings fingerprint: %w", err)
	}
	return fp, nil
}
