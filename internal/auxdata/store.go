package auxdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"gopkg.in/yaml.v3"

	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"
)

// InsertMode selects how Insert treats existing rows.
type InsertMode string

const (
	// ModeReplace discards all existing rows first.
	ModeReplace InsertMode = "replace"
	// ModeAppend adds rows and fails the whole batch on any key collision.
	ModeAppend InsertMode = "append"
	// ModeUpdate overwrites colliding rows and inserts the rest.
	ModeUpdate InsertMode = "update"
)

// ParseInsertMode parses an insert mode string.
func ParseInsertMode(s string) (InsertMode, error) {
	switch InsertMode(s) {
	case ModeReplace, ModeAppend, ModeUpdate:
		return InsertMode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidInsertMode, s)
	}
}

// Row is one observation keyed by (date, asset). Values maps column name
// to value; omitted columns store NULL, or the sentinel for int columns.
type Row struct {
	Date    time.Time
	AssetID int64
	Values  map[string]any
}

// Info summarizes a dataset.
type Info struct {
	Schema    Schema
	Rows      int64
	FirstDate time.Time
	LastDate  time.Time
	CreatedAt time.Time
}

// QueryOptions narrows a dataset read. Zero values leave a dimension
// unconstrained.
type QueryOptions struct {
	Start    time.Time
	End      time.Time
	AssetIDs []int64
	Columns  []string
}

// Store manages the auxiliary datasets under one directory, one DuckDB
// file per dataset code.
type Store struct {
	dir string

	mu   sync.Mutex
	open map[string]*sql.DB
}

// NewStore creates a store over a directory.
func NewStore(dir string) *Store {
	return &Store{
		dir:  dir,
		open: make(map[string]*sql.DB),
	}
}

// Close closes all cached dataset handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for code, db := range s.open {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.open, code)
	}
	return firstErr
}

func (s *Store) path(code string) string {
	return filepath.Join(s.dir, code+".duckdb")
}

// Create allocates a new dataset with the given schema. The schema is
// validated in full before any file is touched.
func (s *Store) Create(ctx context.Context, code string, columns []Column) error {
	schema := Schema{Code: code, Columns: columns}
	if err := schema.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(code)); err == nil {
		return fmt.Errorf("%w: dataset %s", errs.ErrAlreadyExists, code)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create aux directory: %w", err)
	}

	db, err := sql.Open("duckdb", s.path(code))
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", code, err)
	}

	if err := s.initDataset(ctx, db, &schema); err != nil {
		db.Close()
		os.Remove(s.path(code))
		return err
	}

	s.open[code] = db
	logging.Component("auxdata").Info("dataset created", "code", code, "columns", len(columns))
	return nil
}

func (s *Store) initDataset(ctx context.Context, db *sql.DB, schema *Schema) error {
	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE data (date DATE NOT NULL, asset_id BIGINT NOT NULL")
	for _, c := range schema.Columns {
		fmt.Fprintf(&ddl, ", %s %s", c.Name, ddlType(c.Type))
	}
	ddl.WriteString(", PRIMARY KEY (date, asset_id));")

	if _, err := db.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE TABLE metadata (key VARCHAR PRIMARY KEY, value VARCHAR)"); err != nil {
		return fmt.Errorf("create metadata table: %w", err)
	}

	schemaYAML, err := yaml.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	for _, kv := range [][2]string{
		{"schema", string(schemaYAML)},
		{"created_at", time.Now().UTC().Format(time.RFC3339)},
	} {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO metadata (key, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}
	return nil
}

// db returns the cached handle for a dataset, opening it on first use.
func (s *Store) db(code string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.open[code]; ok {
		return db, nil
	}
	if _, err := os.Stat(s.path(code)); err != nil {
		return nil, fmt.Errorf("%w: dataset %s", errs.ErrNotFound, code)
	}

	db, err := sql.Open("duckdb", s.path(code))
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", code, err)
	}
	s.open[code] = db
	return db, nil
}

// loadSchema reads a dataset's schema from its metadata table.
func (s *Store) loadSchema(ctx context.Context, db *sql.DB, code string) (*Schema, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		"SELECT value FROM metadata WHERE key = 'schema'").Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset %s has no schema metadata", errs.ErrStoreCorrupt, code)
	}

	var schema Schema
	if err := yaml.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, fmt.Errorf("%w: dataset %s schema: %v", errs.ErrStoreCorrupt, code, err)
	}
	return &schema, nil
}

// Insert writes rows under the given mode. The batch is atomic in every
// mode: on any error the dataset is left exactly as it was.
func (s *Store) Insert(ctx context.Context, code string, rows []Row, mode InsertMode) error {
	if _, err := ParseInsertMode(string(mode)); err != nil {
		return err
	}

	db, err := s.db(code)
	if err != nil {
		return err
	}
	schema, err := s.loadSchema(ctx, db, code)
	if err != nil {
		return err
	}
	for i := range rows {
		if err := checkRowColumns(schema, &rows[i]); err != nil {
			return err
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	if mode == ModeReplace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM data"); err != nil {
			return fmt.Errorf("clear dataset %s: %w", code, err)
		}
	}

	insertSQL, colNames := buildInsertSQL(schema, mode)

	for i := range rows {
		row := &rows[i]

		if mode == ModeAppend {
			var exists bool
			err := tx.QueryRowContext(ctx,
				"SELECT EXISTS (SELECT 1 FROM data WHERE date = ? AND asset_id = ?)",
				day(row.Date), row.AssetID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check key: %w", err)
			}
			if exists {
				return fmt.Errorf("%w: %s asset %d", errs.ErrDuplicateKey,
					row.Date.UTC().Format("2006-01-02"), row.AssetID)
			}
		}

		args := make([]any, 0, 2+len(colNames))
		args = append(args, day(row.Date), row.AssetID)
		for _, name := range colNames {
			col, _ := schema.Column(name)
			args = append(args, columnArg(col, row.Values[name]))
		}

		if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func buildInsertSQL(schema *Schema, mode InsertMode) (string, []string) {
	colNames := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		colNames[i] = c.Name
	}

	var sb strings.Builder
	if mode == ModeUpdate {
		sb.WriteString("INSERT OR REPLACE INTO data (date, asset_id")
	} else {
		sb.WriteString("INSERT INTO data (date, asset_id")
	}
	for _, name := range colNames {
		sb.WriteString(", ")
		sb.WriteString(name)
	}
	sb.WriteString(") VALUES (?, ?")
	sb.WriteString(strings.Repeat(", ?", len(colNames)))
	sb.WriteString(")")

	return sb.String(), colNames
}

// checkRowColumns rejects values for columns the schema does not have.
func checkRowColumns(schema *Schema, row *Row) error {
	for name := range row.Values {
		if _, ok := schema.Column(name); !ok {
			return fmt.Errorf("%w: %s", errs.ErrUnknownColumn, name)
		}
	}
	return nil
}

// columnArg converts a row value to its insert argument. An absent value
// becomes the column's sentinel for int columns and NULL otherwise.
func columnArg(col Column, v any) any {
	if v == nil {
		if col.Type == TypeInt {
			// Sentinel validity was checked at create time.
			n, _ := strconv.ParseInt(col.Missing, 10, 64)
			return n
		}
		return nil
	}
	if col.Type == TypeDate {
		if t, ok := v.(time.Time); ok {
			return day(t)
		}
	}
	return v
}

// Query reads rows, materializing only the requested date range, asset
// set and columns.
func (s *Store) Query(ctx context.Context, code string, opts QueryOptions) ([]Row, error) {
	db, err := s.db(code)
	if err != nil {
		return nil, err
	}
	schema, err := s.loadSchema(ctx, db, code)
	if err != nil {
		return nil, err
	}

	columns := opts.Columns
	if columns == nil {
		columns = make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			columns[i] = c.Name
		}
	}
	for _, name := range columns {
		if _, ok := schema.Column(name); !ok {
			return nil, fmt.Errorf("%w: %s", errs.ErrUnknownColumn, name)
		}
	}

	query, args := buildQuerySQL(columns, opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dataset %s: %w", code, err)
	}
	defer rows.Close()

	return scanRows(schema, columns, rows)
}

func buildQuerySQL(columns []string, opts QueryOptions) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT date, asset_id")
	for _, c := range columns {
		sb.WriteString(", ")
		sb.WriteString(c)
	}
	sb.WriteString(" FROM data WHERE 1=1")

	var args []any
	if !opts.Start.IsZero() {
		sb.WriteString(" AND date >= ?")
		args = append(args, day(opts.Start))
	}
	if !opts.End.IsZero() {
		sb.WriteString(" AND date <= ?")
		args = append(args, day(opts.End))
	}
	if len(opts.AssetIDs) > 0 {
		ids := make([]int64, len(opts.AssetIDs))
		copy(ids, opts.AssetIDs)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		sb.WriteString(" AND asset_id IN (?")
		sb.WriteString(strings.Repeat(", ?", len(ids)-1))
		sb.WriteString(")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	sb.WriteString(" ORDER BY date, asset_id")

	return sb.String(), args
}

func scanRows(schema *Schema, columns []string, rows *sql.Rows) ([]Row, error) {
	var out []Row

	for rows.Next() {
		row := Row{Values: make(map[string]any, len(columns))}

		dest := make([]any, 2+len(columns))
		dest[0] = &row.Date
		dest[1] = &row.AssetID
		holders := make([]any, len(columns))
		for i, name := range columns {
			col, _ := schema.Column(name)
			holders[i] = newHolder(col.Type)
			dest[2+i] = holders[i]
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row.Date = day(row.Date)
		for i, name := range columns {
			if v, ok := holderValue(holders[i]); ok {
				row.Values[name] = v
			}
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func newHolder(t ColumnType) any {
	switch t {
	case TypeFloat:
		return &sql.NullFloat64{}
	case TypeInt:
		return &sql.NullInt64{}
	case TypeBool:
		return &sql.NullBool{}
	case TypeDate:
		return &sql.NullTime{}
	default:
		return &sql.NullString{}
	}
}

// holderValue unwraps a scanned nullable value; NULL drops the column
// from the row's value map.
func holderValue(h any) (any, bool) {
	switch v := h.(type) {
	case *sql.NullFloat64:
		return v.Float64, v.Valid
	case *sql.NullInt64:
		return v.Int64, v.Valid
	case *sql.NullBool:
		return v.Bool, v.Valid
	case *sql.NullTime:
		return day(v.Time), v.Valid
	case *sql.NullString:
		return v.String, v.Valid
	}
	return nil, false
}

// Drop removes a dataset irreversibly.
func (s *Store) Drop(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.open[code]; ok {
		db.Close()
		delete(s.open, code)
	}

	if _, err := os.Stat(s.path(code)); err != nil {
		return fmt.Errorf("%w: dataset %s", errs.ErrNotFound, code)
	}
	if err := os.Remove(s.path(code)); err != nil {
		return fmt.Errorf("drop dataset %s: %w", code, err)
	}

	logging.Component("auxdata").Info("dataset dropped", "code", code)
	return nil
}

// List returns all dataset codes, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, ".duckdb") {
			out = append(out, strings.TrimSuffix(name, ".duckdb"))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Info returns a dataset's schema and row statistics.
func (s *Store) Info(ctx context.Context, code string) (*Info, error) {
	db, err := s.db(code)
	if err != nil {
		return nil, err
	}
	schema, err := s.loadSchema(ctx, db, code)
	if err != nil {
		return nil, err
	}

	info := &Info{Schema: *schema}

	var first, last sql.NullTime
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(date), MAX(date) FROM data").
		Scan(&info.Rows, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("dataset %s stats: %w", code, err)
	}
	if first.Valid {
		info.FirstDate = day(first.Time)
		info.LastDate = day(last.Time)
	}

	var created string
	if err := db.QueryRowContext(ctx,
		"SELECT value FROM metadata WHERE key = 'created_at'").Scan(&created); err == nil {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			info.CreatedAt = t
		}
	}
	return info, nil
}

// day truncates a time to its UTC date.
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
