// Package cache persists retrieved ephemeris tables per target so repeated
// queries are served locally. An entry records the fingerprint of the query
// that produced it; a different fingerprint is treated as a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/star/ephemgo/internal/ephem"
)

// ErrMiss is returned by Load when no usable entry exists.
var ErrMiss = errors.New("cache miss")

// Store is a per-target table cache.
type Store interface {
	// Load returns the cached table for target if it was stored with fingerprint.
	Load(target, fingerprint string) (*ephem.Table, error)
	// Save stores tbl under key, replacing any previous entry.
	Save(key string, tbl *ephem.Table, fingerprint string) error
	// Ping reports whether the backing storage is usable.
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir string, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendCSV:
		return NewCSVStore(dir, logger), nil
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, "ephemeris.db"), logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q (want %s or %s)", backend, BackendCSV, BackendSQLite)
	}
}

// Key normalizes a target name into a cache key.
func Key(target string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(target)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
