package parquet

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// BarReader reads bars from a Parquet file.
type BarReader struct {
	file   *os.File
	reader *parquet.GenericReader[BarRow]
	path   string
}

// NewBarReader creates a new bar Parquet reader.
func NewBarReader(path string) (*BarReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[BarRow](f)

	return &BarReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n bars from the file.
func (r *BarReader) Read(n int) ([]types.Bar, error) {
	rows := make([]BarRow, n)
	count, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	bars := make([]types.Bar, count)
	for i := 0; i < count; i++ {
		bars[i] = RowToBar(&rows[i])
	}

	return bars, nil
}

// ReadAll reads all bars from the file.
func (r *BarReader) ReadAll() ([]types.Bar, error) {
	numRows := r.reader.NumRows()
	rows := make([]BarRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}

	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = RowToBar(&rows[i])
	}

	return bars, nil
}

// NumRows returns the total number of rows in the file.
func (r *BarReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *BarReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *BarReader) Path() string {
	return r.path
}

// AdjustmentReader reads corporate actions from a Parquet file.
type AdjustmentReader struct {
	file   *os.File
	reader *parquet.GenericReader[AdjustmentRow]
	path   string
}

// NewAdjustmentReader creates a new adjustment Parquet reader.
func NewAdjustmentReader(path string) (*AdjustmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[AdjustmentRow](f)

	return &AdjustmentReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all adjustments from the file. The adjustment table is
// small by design, so readers load it whole.
func (r *AdjustmentReader) ReadAll() ([]types.Adjustment, error) {
	numRows := r.reader.NumRows()
	rows := make([]AdjustmentRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}

	adjs := make([]types.Adjustment, 0, n)
	for i := 0; i < n; i++ {
		adj, err := RowToAdjustment(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		adjs = append(adjs, adj)
	}

	return adjs, nil
}

// NumRows returns the total number of rows in the file.
func (r *AdjustmentReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *AdjustmentReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *AdjustmentReader) Path() string {
	return r.path
}
