// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/gatechat/core/internal/catalog"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTTL is how long a cached snapshot stays valid.
	DefaultTTL = 60 * time.Minute

	// keyPrefix namespaces snapshot rows. Every key embeds the schema
	// version, so a version bump orphans old entries instead of
	// misreading them.
	keyPrefix = "models_cache_"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key         TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	captured_at INTEGER NOT NULL
);
`

// =============================================================================
// STORE
// =============================================================================

// Config holds cache settings.
type Config struct {
	// Path is the database file location; empty means DefaultPath().
	Path string

	// TTL is the snapshot lifetime; zero means DefaultTTL.
	TTL time.Duration
}

// Store is a sqlite-backed snapshot cache. It implements
// catalog.SnapshotCache. Writes are last-writer-wins; there is no
// cross-process locking beyond what sqlite provides.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// DefaultPath returns the per-user cache database location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".gatechat", "cache.db"), nil
}

// New opens (creating if needed) the cache database.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		cfg.Path = p
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite allows one writer at a time; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:     db,
		ttl:    cfg.TTL,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// key builds the versioned row key for a scope.
func key(scope string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, catalog.SchemaVersion, scope)
}

// =============================================================================
// SNAPSHOT CACHE OPERATIONS
// =============================================================================

// Get returns the cached snapshot for scope, or nil when the entry is
// missing, expired, unreadable, or recorded under a different schema
// version. Expired rows are deleted on the way out.
func (s *Store) Get(scope string) *catalog.Snapshot {
	k := key(scope)

	var payload string
	err := s.db.QueryRow("SELECT payload FROM snapshots WHERE key = ?", k).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.logger.Warn("cache read failed", "key", k, "err", err)
		return nil
	}

	var snap catalog.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		s.logger.Warn("cache entry unreadable, dropping", "key", k, "err", err)
		s.deleteKey(k)
		return nil
	}

	if snap.SchemaVersion != catalog.SchemaVersion {
		s.deleteKey(k)
		return nil
	}

	if s.now().Sub(snap.CapturedAt) >= s.ttl {
		s.deleteKey(k)
		return nil
	}

	return &snap
}

// Put stores a snapshot under scope. Storage failure is absorbed: the
// target key plus any legacy-versioned entries are evicted to free space,
// and nil is returned so a cache problem never fails a catalog refresh.
func (s *Store) Put(scope string, snap *catalog.Snapshot) error {
	k := key(scope)

	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("cache encode failed", "key", k, "err", err)
		return nil
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (key, payload, captured_at) VALUES (?, ?, ?)",
		k, string(payload), snap.CapturedAt.Unix())
	if err != nil {
		s.logger.Warn("cache write failed, evicting", "key", k, "err", err)
		s.deleteKey(k)
		s.evictLegacy()
		return nil
	}

	return nil
}

// Invalidate drops the entry for scope.
func (s *Store) Invalidate(scope string) error {
	return s.deleteKey(key(scope))
}

// Clear drops every snapshot row, current and legacy.
func (s *Store) Clear() error {
	_, err := s.db.Exec("DELETE FROM snapshots WHERE key LIKE ?", keyPrefix+"%")
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (s *Store) deleteKey(k string) error {
	_, err := s.db.Exec("DELETE FROM snapshots WHERE key = ?", k)
	if err != nil {
		s.logger.Warn("cache delete failed", "key", k, "err", err)
	}
	return err
}

// evictLegacy removes rows written under older schema versions; they are
// dead weight once the version bumps.
func (s *Store) evictLegacy() {
	current := fmt.Sprintf("%s%d:%%", keyPrefix, catalog.SchemaVersion)
	_, err := s.db.Exec(
		"DELETE FROM snapshots WHERE key LIKE ? AND key NOT LIKE ?",
		keyPrefix+"%", current)
	if err != nil {
		s.logger.Warn("legacy eviction failed", "err", err)
	}
}
