// Package barstore holds OHLCV bars in a columnar, append-oriented file per
// ingestion version. Writes go through an append-only writer that rejects
// duplicate (asset, session) keys; reads run through DuckDB's read_parquet
// so a query touching only the close column does not pay for the others.
package barstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	errs "github.com/qfoundry/bundlestore/internal/errors"

	"github.com/qfoundry/bundlestore/internal/bundle/parquet"
	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// Columns that callers may project. asset_id and session_ms are always
// returned since they identify the row.
var projectable = map[string]bool{
	"open":   true,
	"high":   true,
	"low":    true,
	"close":  true,
	"volume": true,
	"filled": true,
}

// AllColumns lists the projectable columns in schema order.
func AllColumns() []string {
	return []string{"open", "high", "low", "close", "volume", "filled"}
}

// Writer appends bars to a version's bar file. It tracks every key written
// during the ingestion and rejects duplicates before they reach disk.
type Writer struct {
	mu   sync.Mutex
	pw   *parquet.BarWriter
	seen map[types.BarKey]struct{}
}

// NewWriter creates a bar writer for an ingestion version directory.
func NewWriter(path string, opts parquet.Options) (*Writer, error) {
	pw, err := parquet.NewBarWriter(path, opts)
	if err != nil {
		return nil, fmt.Errorf("create bar writer: %w", err)
	}

	return &Writer{
		pw:   pw,
		seen: make(map[types.BarKey]struct{}),
	}, nil
}

// Write appends bars. The whole batch is rejected if any bar repeats a
// (asset, session) key already written in this ingestion, or repeats a key
// within the batch itself.
func (w *Writer) Write(bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range bars {
		key := bars[i].Key()
		if _, dup := w.seen[key]; dup {
			return fmt.Errorf("%w: asset %d session %s",
				errs.ErrDuplicateBar, key.AssetID,
				time.UnixMilli(key.SessionMs).UTC().Format("2006-01-02"))
		}
		w.seen[key] = struct{}{}
	}

	if err := w.pw.Write(bars); err != nil {
		return err
	}
	return nil
}

// RowCount returns the number of bars written.
func (w *Writer) RowCount() int64 {
	return w.pw.RowCount()
}

// Close finalizes the bar file. Safe to call more than once.
func (w *Writer) Close() error {
	return w.pw.Close()
}

// Store reads bars from a committed version's bar file.
// Safe for unlimited concurrent readers: the underlying file is immutable.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens a bar store over a bar parquet file.
func Open(path string) (*Store, error) {
	// In-memory DuckDB instance; the parquet file is scanned per query.
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	return &Store{
		db:   db,
		path: path,
	}, nil
}

// Close releases the store's database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the bar file path.
func (s *Store) Path() string {
	return s.path
}

// ReadRange returns bars for the requested assets and session range,
// ordered by (asset_id, session_ms). columns selects which value columns
// to materialize; nil means all. Unrequested columns are zero in the
// returned bars.
func (s *Store) ReadRange(ctx context.Context, assetIDs []int64, start, end time.Time, columns []string) ([]types.Bar, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}

	if columns == nil {
		columns = AllColumns()
	}
	for _, c := range columns {
		if !projectable[c] {
			return nil, fmt.Errorf("%w: %s", errs.ErrUnknownColumn, c)
		}
	}

	query, args := buildRangeQuery(s.path, assetIDs, start, end, columns)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows, columns)
}

// buildRangeQuery assembles the projection query over read_parquet.
func buildRangeQuery(path string, assetIDs []int64, start, end time.Time, columns []string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT asset_id, session_ms")
	for _, c := range columns {
		sb.WriteString(", ")
		sb.WriteString(c)
	}
	sb.WriteString(" FROM read_parquet(?) WHERE session_ms >= ? AND session_ms <= ? AND asset_id IN (")

	args := make([]any, 0, 3+len(assetIDs))
	args = append(args, path, sessionMs(start), sessionMs(end))

	// Sorted id list keeps the generated SQL deterministic.
	ids := make([]int64, len(assetIDs))
	copy(ids, assetIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, id)
	}
	sb.WriteString(") ORDER BY asset_id, session_ms")

	return sb.String(), args
}

// sessionMs normalizes a bound to its UTC-midnight session in ms.
func sessionMs(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}

// scanBars scans the projected result set into bars.
func scanBars(rows *sql.Rows, columns []string) ([]types.Bar, error) {
	var out []types.Bar

	dest := make([]any, 2+len(columns))
	for rows.Next() {
		var bar types.Bar
		dest[0] = &bar.AssetID
		dest[1] = &bar.SessionMs
		for i, c := range columns {
			switch c {
			case "open":
				dest[2+i] = &bar.Open
			case "high":
				dest[2+i] = &bar.High
			case "low":
				dest[2+i] = &bar.Low
			case "close":
				dest[2+i] = &bar.Close
			case "volume":
				dest[2+i] = &bar.Volume
			case "filled":
				dest[2+i] = &bar.Filled
			}
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		out = append(out, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bars: %w", err)
	}
	return out, nil
}
