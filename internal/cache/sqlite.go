package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/star/ephemgo/internal/ephem"
)

const schema = `CREATE TABLE IF NOT EXISTS ephemeris_cache (
	target      TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	provider    TEXT NOT NULL,
	fetched_at  TEXT NOT NULL,
	payload     TEXT NOT NULL
);`

// SQLiteStore keeps one row per target in a SQLite database, with the table
// serialized as JSON.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "cache", "backend", BackendSQLite)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logger.Warn("could not enable WAL mode", "error", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying cache schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Load returns the cached table for target.
func (s *SQLiteStore) Load(target, fingerprint string) (*ephem.Table, error) {
	var fp, payload string
	err := s.db.QueryRow(`SELECT fingerprint, payload FROM ephemeris_cache WHERE target = ?`, Key(target)).Scan(&fp, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache: %w", err)
	}
	if fp != fingerprint {
		s.logger.Debug("stale cache entry", "target", target, "have", fp, "want", fingerprint)
		return nil, ErrMiss
	}

	var tbl ephem.Table
	if err := json.Unmarshal([]byte(payload), &tbl); err != nil {
		return nil, fmt.Errorf("decoding cached table for %s: %w", target, err)
	}
	if tbl.Units == nil {
		tbl.Units = make(map[string]string)
	}
	if tbl.Meta == nil {
		tbl.Meta = make(map[string]string)
	}
	return &tbl, nil
}

// Save upserts the entry for key.
func (s *SQLiteStore) Save(key string, tbl *ephem.Table, fingerprint string) error {
	payload, err := json.Marshal(tbl)
	if err != nil {
		return fmt.Errorf("encoding table: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO ephemeris_cache(target, fingerprint, provider, fetched_at, payload)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			provider = excluded.provider,
			fetched_at = excluded.fetched_at,
			payload = excluded.payload`,
		Key(key), fingerprint, tbl.Provider, tbl.FetchedAt.UTC().Format(time.RFC3339), string(payload))
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	s.logger.Debug("cache entry written", "target", key, "rows", tbl.Len())
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
