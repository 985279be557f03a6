package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/star/ephemgo/internal/ephem"
)

// CSVStore keeps one CSV file per target. Leading "# key: value" lines carry
// the fingerprint and table metadata; the rest is a header row followed by
// one record per sample.
type CSVStore struct {
	dir    string
	logger *slog.Logger
}

// NewCSVStore creates a CSVStore that writes files in dir.
func NewCSVStore(dir string, logger *slog.Logger) *CSVStore {
	return &CSVStore{
		dir:    dir,
		logger: logger.With("component", "cache", "backend", BackendCSV),
	}
}

// Path returns the file used for target.
func (c *CSVStore) Path(target string) string {
	return filepath.Join(c.dir, Key(target)+".csv")
}

// Load reads the cached table for target.
func (c *CSVStore) Load(target, fingerprint string) (*ephem.Table, error) {
	data, err := os.ReadFile(c.Path(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	header, body, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	if header["fingerprint"] != fingerprint {
		c.logger.Debug("stale cache entry", "target", target, "have", header["fingerprint"], "want", fingerprint)
		return nil, ErrMiss
	}

	records, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing cache file %s: %w", c.Path(target), err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("cache file %s has no header row", c.Path(target))
	}

	tbl := tableFromHeader(header, records[0])
	for _, rec := range records[1:] {
		row := make(ephem.Row, len(tbl.Columns))
		for i, col := range tbl.Columns {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		tbl.Append(row)
	}
	return tbl, nil
}

// Save writes tbl to the target's file, replacing it atomically.
func (c *CSVStore) Save(key string, tbl *ephem.Table, fingerprint string) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	var buf bytes.Buffer
	for _, kv := range headerLines(tbl, fingerprint) {
		fmt.Fprintf(&buf, "# %s: %s\n", kv[0], kv[1])
	}
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(tbl.Records()); err != nil {
		return fmt.Errorf("encoding cache file: %w", err)
	}

	path := c.Path(key)
	tmp, err := os.CreateTemp(c.dir, ".tmp-*.csv")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing cache file: %w", err)
	}

	c.logger.Debug("cache entry written", "target", key, "path", path, "rows", tbl.Len())
	return nil
}

// Ping checks that the cache directory can be created.
func (c *CSVStore) Ping(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (c *CSVStore) Close() error {
	return nil
}

// headerLines renders table metadata as ordered key/value pairs.
func headerLines(tbl *ephem.Table, fingerprint string) [][2]string {
	lines := [][2]string{
		{"fingerprint", fingerprint},
		{"target", tbl.Target.Name},
		{"number", strconv.Itoa(tbl.Target.Number)},
		{"type", tbl.Target.Type},
		{"aliases", strings.Join(tbl.Target.Aliases, ";")},
		{"provider", tbl.Provider},
		{"frame", string(tbl.Frame)},
		{"fetched_at", tbl.FetchedAt.UTC().Format(time.RFC3339)},
		{"units", joinMap(tbl.Units)},
	}
	keys := make([]string, 0, len(tbl.Meta))
	for k := range tbl.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.NewReplacer("\r", " ", "\n", " ").Replace(tbl.Meta[k])
		lines = append(lines, [2]string{"meta." + k, v})
	}
	return lines
}

func tableFromHeader(h map[string]string, columns []string) *ephem.Table {
	target := ephem.Target{Name: h["target"], Type: h["type"]}
	target.Number, _ = strconv.Atoi(h["number"])
	if a := h["aliases"]; a != "" {
		target.Aliases = strings.Split(a, ";")
	}
	tbl := ephem.NewTable(target, h["provider"], ephem.Frame(h["frame"]), columns)
	tbl.FetchedAt, _ = time.Parse(time.RFC3339, h["fetched_at"])
	tbl.Units = splitMap(h["units"])
	for k, v := range h {
		if m, ok := strings.CutPrefix(k, "meta."); ok {
			tbl.Meta[m] = v
		}
	}
	return tbl
}

// splitHeader separates the leading comment block from the CSV body.
func splitHeader(data []byte) (map[string]string, []byte, error) {
	header := make(map[string]string)
	r := bufio.NewReader(bytes.NewReader(data))
	offset := 0
	for {
		line, err := r.ReadString('\n')
		if !strings.HasPrefix(line, "#") {
			break
		}
		offset += len(line)
		k, v, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
		if ok {
			header[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if err != nil {
			break
		}
	}
	if _, ok := header["fingerprint"]; !ok {
		return nil, nil, errors.New("cache file has no fingerprint header")
	}
	return header, data[offset:], nil
}

func joinMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ";")
}

func splitMap(s string) map[string]string {
	m := make(map[string]string)
	for _, p := range strings.Split(s, ";") {
		if k, v, ok := strings.Cut(p, "="); ok {
			m[k] = v
		}
	}
	return m
}
