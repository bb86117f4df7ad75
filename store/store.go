// Package store persists per-user gamepad settings and the extension's
// local key/value storage in SQLite.
//
// The pure-Go driver is registered here:
//
//	db, err := store.Open("relay.db")
//
// In tests:
//
//	db, err := store.Open(":memory:")
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/doingharm/gamepad-relay/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS gamepad_settings (
	user_id    TEXT PRIMARY KEY,
	settings   TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

var ErrInvalidSettings = errors.New("invalid settings")

// GamepadSettings is the per-user settings blob. Only Deadzone feeds the
// capture pipeline; the rest is display configuration carried through.
type GamepadSettings struct {
	Deadzone         float64 `json:"deadzone"`
	SelectedSkin     string  `json:"selectedSkin"`
	ShowAnalogSticks bool    `json:"showAnalogSticks"`
	ShowTriggers     bool    `json:"showTriggers"`
	DebugMode        bool    `json:"debugMode"`
}

// DefaultSettings is returned for users that never saved anything.
func DefaultSettings() GamepadSettings {
	return GamepadSettings{
		Deadzone:         state.DefaultDeadzone,
		SelectedSkin:     "default",
		ShowAnalogSticks: true,
		ShowTriggers:     true,
	}
}

// Validate checks the algorithm parameters.
func (s GamepadSettings) Validate() error {
	if s.Deadzone < 0 || s.Deadzone >= 1 {
		return fmt.Errorf("%w: deadzone must be in [0,1)", ErrInvalidSettings)
	}
	return nil
}

// Store is a SQLite-backed settings and key/value store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// a single connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Settings returns the user's settings, or DefaultSettings if none are stored.
func (s *Store) Settings(ctx context.Context, userID string) (GamepadSettings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM gamepad_settings WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return GamepadSettings{}, fmt.Errorf("store: get settings: %w", err)
	}

	settings := DefaultSettings()
	if err = json.Unmarshal([]byte(raw), &settings); err != nil {
		return GamepadSettings{}, fmt.Errorf("store: decode settings: %w", err)
	}
	return settings, nil
}

// PutSettings replaces the user's settings.
func (s *Store) PutSettings(ctx context.Context, userID string, settings GamepadSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gamepad_settings (user_id, settings, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(user_id) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
		userID, string(raw))
	if err != nil {
		return fmt.Errorf("store: put settings: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}
