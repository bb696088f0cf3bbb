// Package assets maps provider symbols to stable integer asset ids with
// validity windows. Ids are minted monotonically and never reused, so a
// symbol that returns after a long absence becomes a new asset while the
// historical one keeps its id. The registry is a DuckDB file inside each
// ingestion version directory.
package assets

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	errs "github.com/qfoundry/bundlestore/internal/errors"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// RegistryFile is the registry's file name within a version directory.
const RegistryFile = "assets.duckdb"

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id         BIGINT PRIMARY KEY,
	symbol     VARCHAR NOT NULL,
	start_date DATE NOT NULL,
	end_date   DATE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_symbol ON assets (symbol);
`

// Registry stores symbol-to-asset mappings for one ingestion version.
type Registry struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	nextID int64
}

// Open opens or creates a registry at the given path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}

	var maxID sql.NullInt64
	if err := db.QueryRow("SELECT MAX(id) FROM assets").Scan(&maxID); err != nil {
		db.Close()
		return nil, fmt.Errorf("read max asset id: %w", err)
	}

	return &Registry{
		db:     db,
		path:   path,
		nextID: maxID.Int64 + 1,
	}, nil
}

// Close releases the registry's database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Resolve returns the asset the symbol mapped to at the given date. A
// symbol may belong to different assets across disjoint windows, so the
// date selects among them.
func (r *Registry) Resolve(ctx context.Context, symbol string, asOf time.Time) (types.Asset, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, symbol, start_date, end_date FROM assets
		 WHERE symbol = ? AND start_date <= ? AND end_date >= ?
		 ORDER BY id`,
		symbol, day(asOf), day(asOf))
	if err != nil {
		return types.Asset{}, fmt.Errorf("resolve %s: %w", symbol, err)
	}
	defer rows.Close()

	matches, err := scanAssets(rows)
	if err != nil {
		return types.Asset{}, fmt.Errorf("resolve %s: %w", symbol, err)
	}

	switch len(matches) {
	case 0:
		return types.Asset{}, fmt.Errorf("%w: %s at %s",
			errs.ErrUnknownSymbol, symbol, asOf.UTC().Format("2006-01-02"))
	case 1:
		return matches[0], nil
	default:
		return types.Asset{}, fmt.Errorf("%w: %s matches %d assets at %s",
			errs.ErrAmbiguousSymbol, symbol, len(matches), asOf.UTC().Format("2006-01-02"))
	}
}

// Get returns the asset with the given id.
func (r *Registry) Get(ctx context.Context, id int64) (types.Asset, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, symbol, start_date, end_date FROM assets WHERE id = ?", id)

	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return types.Asset{}, fmt.Errorf("%w: id %d", errs.ErrUnknownAsset, id)
	}
	if err != nil {
		return types.Asset{}, fmt.Errorf("get asset %d: %w", id, err)
	}
	return a, nil
}

// All returns every asset in the registry, ordered by id.
func (r *Registry) All(ctx context.Context) ([]types.Asset, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, symbol, start_date, end_date FROM assets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	return scanAssets(rows)
}

// RegisterOrUpdate records an observation of a symbol on a date. It
// extends the latest matching asset's validity window, unless that window
// closed more than reuseGapDays before the observation, in which case a
// new asset id is minted.
func (r *Registry) RegisterOrUpdate(ctx context.Context, symbol string, observed time.Time, reuseGapDays int) (types.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs := day(observed)

	row := r.db.QueryRowContext(ctx,
		`SELECT id, symbol, start_date, end_date FROM assets
		 WHERE symbol = ? ORDER BY end_date DESC LIMIT 1`, symbol)

	latest, err := scanAsset(row)
	if err != nil && err != sql.ErrNoRows {
		return types.Asset{}, fmt.Errorf("register %s: %w", symbol, err)
	}

	if err == sql.ErrNoRows {
		return r.mint(ctx, symbol, obs)
	}

	gap := obs.Sub(latest.EndDate)
	if gap > time.Duration(reuseGapDays)*24*time.Hour {
		return r.mint(ctx, symbol, obs)
	}

	if latest.ValidAt(obs) {
		return latest, nil
	}

	start, end := latest.StartDate, latest.EndDate
	if obs.Before(start) {
		start = obs
	}
	if obs.After(end) {
		end = obs
	}

	if _, err := r.db.ExecContext(ctx,
		"UPDATE assets SET start_date = ?, end_date = ? WHERE id = ?",
		start, end, latest.ID); err != nil {
		return types.Asset{}, fmt.Errorf("extend asset %d: %w", latest.ID, err)
	}

	latest.StartDate = start
	latest.EndDate = end
	return latest, nil
}

// mint creates a new asset with the next id. Caller holds the lock.
func (r *Registry) mint(ctx context.Context, symbol string, obs time.Time) (types.Asset, error) {
	a := types.Asset{
		ID:        r.nextID,
		Symbol:    symbol,
		StartDate: obs,
		EndDate:   obs,
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO assets (id, symbol, start_date, end_date) VALUES (?, ?, ?, ?)",
		a.ID, a.Symbol, a.StartDate, a.EndDate); err != nil {
		return types.Asset{}, fmt.Errorf("insert asset %s: %w", symbol, err)
	}

	r.nextID++
	return a, nil
}

// SeedFrom copies every asset from a previous version's registry, keeping
// ids stable across ingestions of the same bundle.
func (r *Registry) SeedFrom(ctx context.Context, prev *Registry) error {
	existing, err := prev.All(ctx)
	if err != nil {
		return fmt.Errorf("read previous registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range existing {
		if _, err := r.db.ExecContext(ctx,
			"INSERT INTO assets (id, symbol, start_date, end_date) VALUES (?, ?, ?, ?)",
			a.ID, a.Symbol, a.StartDate, a.EndDate); err != nil {
			return fmt.Errorf("seed asset %d: %w", a.ID, err)
		}
		if a.ID >= r.nextID {
			r.nextID = a.ID + 1
		}
	}
	return nil
}

// day truncates a time to its UTC date.
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (types.Asset, error) {
	var a types.Asset
	if err := row.Scan(&a.ID, &a.Symbol, &a.StartDate, &a.EndDate); err != nil {
		return types.Asset{}, err
	}
	a.StartDate = day(a.StartDate)
	a.EndDate = day(a.EndDate)
	return a, nil
}

func scanAssets(rows *sql.Rows) ([]types.Asset, error) {
	var out []types.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
