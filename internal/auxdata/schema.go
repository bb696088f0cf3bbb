// Package auxdata persists arbitrary per-asset time series outside any
// bundle: fundamentals, sentiment scores, whatever a strategy needs keyed
// by (date, asset). Each dataset is one DuckDB file with a fixed column
// schema declared at creation time and a metadata table describing it.
package auxdata

import (
	"fmt"
	"regexp"
	"strconv"

	errs "github.com/qfoundry/bundlestore/internal/errors"
)

// ColumnType tags a dataset column's storage type.
type ColumnType string

const (
	TypeFloat ColumnType = "float"
	TypeInt   ColumnType = "int"
	TypeBool  ColumnType = "bool"
	TypeText  ColumnType = "text"
	TypeDate  ColumnType = "date"
)

// Column describes one dataset column. Integer columns have no native
// absent-value representation, so they must declare an in-band sentinel;
// other types may leave Missing empty and use NULL.
type Column struct {
	Name string     `yaml:"name"`
	Type ColumnType `yaml:"type"`

	// Missing is the sentinel value standing in for an absent
	// observation, in its textual form. Required for int columns.
	Missing string `yaml:"missing,omitempty"`
}

// Schema is a dataset's full column layout.
type Schema struct {
	Code    string   `yaml:"code"`
	Columns []Column `yaml:"columns"`
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved are the key columns every dataset carries implicitly.
var reserved = map[string]bool{"date": true, "asset_id": true}

// Validate checks a schema before any DDL runs. Violations surface at
// create time, never at first insert.
func (s *Schema) Validate() error {
	if !identRe.MatchString(s.Code) {
		return fmt.Errorf("%w: dataset code %q", errs.ErrInvalidSchema, s.Code)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: dataset %s has no columns", errs.ErrInvalidSchema, s.Code)
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !identRe.MatchString(c.Name) {
			return fmt.Errorf("%w: column name %q", errs.ErrInvalidSchema, c.Name)
		}
		if reserved[c.Name] {
			return fmt.Errorf("%w: column name %q is reserved", errs.ErrInvalidSchema, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", errs.ErrInvalidSchema, c.Name)
		}
		seen[c.Name] = true

		switch c.Type {
		case TypeFloat, TypeBool, TypeText, TypeDate:
		case TypeInt:
			if c.Missing == "" {
				return fmt.Errorf("%w: column %q", errs.ErrMissingSentinel, c.Name)
			}
			if _, err := strconv.ParseInt(c.Missing, 10, 64); err != nil {
				return fmt.Errorf("%w: column %q sentinel %q is not an integer",
					errs.ErrInvalidSchema, c.Name, c.Missing)
			}
		default:
			return fmt.Errorf("%w: column %q has unknown type %q",
				errs.ErrInvalidSchema, c.Name, c.Type)
		}
	}
	return nil
}

// Column returns the named column descriptor.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ddlType maps a column type to its DuckDB type.
func ddlType(t ColumnType) string {
	switch t {
	case TypeFloat:
		return "DOUBLE"
	case TypeInt:
		return "BIGINT"
	case TypeBool:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	default:
		return "VARCHAR"
	}
}
