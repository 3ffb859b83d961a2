// Package store implements the on-disk persistence adapter: a SQLite
// database holding opaque item ciphertexts, their origin/tag secondary
// indexes, and the wrapped keyring blobs, per spec.md §4.6.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forest6511/lockbox/pkg/keyring"
)

// File and permission conventions, per spec.md §4.6.
const (
	DBFileName = "lockbox.db"
	DirMode    = 0700
	FileMode   = 0600
)

// CurrentSchemaVersion is the schema version this build writes and expects.
const CurrentSchemaVersion = 1

// Sentinel errors, per spec.md §7.
var (
	// ErrNotFound is returned when an item or keyring group has no row.
	ErrNotFound = errors.New("store: not found")

	// ErrSchemaTooNew is returned when the database was written by a
	// newer build than this one understands.
	ErrSchemaTooNew = errors.New("store: database schema is newer than this build supports")
)

// Record is the row shape persisted for one item: its opaque ciphertext
// plus the plaintext fields the store must see in order to index it.
type Record struct {
	ID         string
	Ciphertext string
	Origins    []string
	Tags       []string
	Disabled   bool
	Created    time.Time
	Modified   time.Time
	LastUsed   time.Time
}

// Store is the SQLite-backed persistence adapter for one vault directory.
type Store struct {
	db *sql.DB
}

// Open creates dir if needed and opens (creating and migrating, if
// necessary) the SQLite database inside it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create vault directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// A CLI process talks to its own vault directory; a single connection
	// avoids "database is locked" errors under SQLite's writer model.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to set database permissions: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("store: failed to create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = 0
	} else if err != nil {
		return fmt.Errorf("store: failed to read schema version: %w", err)
	}

	if version > CurrentSchemaVersion {
		return ErrSchemaTooNew
	}
	if version == CurrentSchemaVersion {
		return nil
	}

	if err := s.createTablesV1(); err != nil {
		return fmt.Errorf("store: failed to create tables: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("store: failed to set schema version: %w", err)
	}
	return nil
}

func (s *Store) createTablesV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			ciphertext TEXT NOT NULL,
			disabled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS item_origins (
			item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			origin TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_origins_origin ON item_origins(origin)`,
		`CREATE TABLE IF NOT EXISTS item_tags (
			item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			tag TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_tags_tag ON item_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS keystores (
			group_name TEXT PRIMARY KEY,
			salt TEXT NOT NULL,
			iterations INTEGER NOT NULL,
			encrypted TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// PutItem inserts or replaces rec's item row and rebuilds its origin/tag
// junction rows, atomically.
func (s *Store) PutItem(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putItemTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// PutItemWithKeyring is PutItem and PutKeyring combined in a single
// transaction, for the mutations that change both tables at once
// (spec.md §4.6: every operation that mutates both tables MUST execute
// in a read-write transaction that atomically commits both).
func (s *Store) PutItemWithKeyring(ctx context.Context, rec Record, p keyring.Persisted) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putItemTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := putKeyringTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func putItemTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (id, ciphertext, disabled, created_at, modified_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			disabled = excluded.disabled,
			modified_at = excluded.modified_at,
			last_used_at = excluded.last_used_at
	`, rec.ID, rec.Ciphertext, boolToInt(rec.Disabled), rec.Created.UTC(), rec.Modified.UTC(), rec.LastUsed.UTC())
	if err != nil {
		return fmt.Errorf("store: failed to upsert item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM item_origins WHERE item_id = ?", rec.ID); err != nil {
		return fmt.Errorf("store: failed to clear origins: %w", err)
	}
	for _, origin := range rec.Origins {
		if _, err := tx.ExecContext(ctx, "INSERT INTO item_origins (item_id, origin) VALUES (?, ?)", rec.ID, origin); err != nil {
			return fmt.Errorf("store: failed to insert origin: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM item_tags WHERE item_id = ?", rec.ID); err != nil {
		return fmt.Errorf("store: failed to clear tags: %w", err)
	}
	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx, "INSERT INTO item_tags (item_id, tag) VALUES (?, ?)", rec.ID, tag); err != nil {
			return fmt.Errorf("store: failed to insert tag: %w", err)
		}
	}

	return nil
}

func putKeyringTx(ctx context.Context, tx *sql.Tx, p keyring.Persisted) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO keystores (group_name, salt, iterations, encrypted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_name) DO UPDATE SET
			salt = excluded.salt,
			iterations = excluded.iterations,
			encrypted = excluded.encrypted
	`, p.Group, p.Salt, p.Iterations, p.Encrypted)
	if err != nil {
		return fmt.Errorf("store: failed to save keyring: %w", err)
	}
	return nil
}

// GetItem returns the ciphertext stored for id.
func (s *Store) GetItem(ctx context.Context, id string) (string, error) {
	var ciphertext string
	err := s.db.QueryRowContext(ctx, "SELECT ciphertext FROM items WHERE id = ?", id).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to read item: %w", err)
	}
	return ciphertext, nil
}

// DeleteItem removes id's item row and its junction rows.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteItemTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteItemWithKeyring is DeleteItem and PutKeyring combined in a single
// transaction, used when removing an item also removes its ItemKey and
// the keyring must be re-saved, per spec.md §4.6.
func (s *Store) DeleteItemWithKeyring(ctx context.Context, id string, p keyring.Persisted) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteItemTx(ctx, tx, id); err != nil {
		return err
	}
	if err := putKeyringTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteItemTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: failed to delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to confirm deletion: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM item_origins WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("store: failed to delete origins: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM item_tags WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("store: failed to delete tags: %w", err)
	}
	return nil
}

// ListItemIDs returns every item id, oldest-created first.
func (s *Store) ListItemIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM items ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list items: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListItemIDsByOrigin returns the ids of items bound to origin.
func (s *Store) ListItemIDsByOrigin(ctx context.Context, origin string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT items.id FROM items
		JOIN item_origins ON item_origins.item_id = items.id
		WHERE item_origins.origin = ?
		ORDER BY items.created_at
	`, origin)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list items by origin: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListItemIDsByTag returns the ids of items carrying tag.
func (s *Store) ListItemIDsByTag(ctx context.Context, tag string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT items.id FROM items
		JOIN item_tags ON item_tags.item_id = items.id
		WHERE item_tags.tag = ?
		ORDER BY items.created_at
	`, tag)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list items by tag: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating rows: %w", err)
	}
	return ids, nil
}

// PutKeyring inserts or replaces the persisted envelope for a keyring group.
func (s *Store) PutKeyring(ctx context.Context, p keyring.Persisted) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putKeyringTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// GetKeyring returns the persisted envelope for group.
func (s *Store) GetKeyring(ctx context.Context, group string) (keyring.Persisted, error) {
	var p keyring.Persisted
	err := s.db.QueryRowContext(ctx, `
		SELECT group_name, salt, iterations, encrypted FROM keystores WHERE group_name = ?
	`, group).Scan(&p.Group, &p.Salt, &p.Iterations, &p.Encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return keyring.Persisted{}, ErrNotFound
	}
	if err != nil {
		return keyring.Persisted{}, fmt.Errorf("store: failed to read keyring: %w", err)
	}
	return p, nil
}

// Reset drops every item and keyring group from the database, for
// Vault.Reset (spec.md §4.5's "any -> reset -> Fresh: drops all items and
// keyring").
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM item_origins",
		"DELETE FROM item_tags",
		"DELETE FROM items",
		"DELETE FROM keystores",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to reset database: %w", err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
