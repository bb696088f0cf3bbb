package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// Standard file names within an ingestion version directory.
const (
	BarsFile        = "bars.parquet"
	AdjustmentsFile = "adjustments.parquet"
)

// Options configures the Parquet writers.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BarRow represents a bar in Parquet format. Column order matters for
// projection: readers may request any subset of price/volume columns.
type BarRow struct {
	AssetID   int64   `parquet:"asset_id"`
	SessionMs int64   `parquet:"session_ms"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	Filled    bool    `parquet:"filled"`
}

// AdjustmentRow represents a corporate action in Parquet format.
type AdjustmentRow struct {
	AssetID         int64   `parquet:"asset_id"`
	Kind            string  `parquet:"kind,zstd"`
	Value           float64 `parquet:"value"`
	EffectiveDateMs int64   `parquet:"effective_date_ms"`
	ApplyDateMs     int64   `parquet:"apply_date_ms"`
}

// BarToRow converts a Bar to a BarRow.
func BarToRow(b *types.Bar) BarRow {
	return BarRow{
		AssetID:   b.AssetID,
		SessionMs: b.SessionMs,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		Filled:    b.Filled,
	}
}

// RowToBar converts a BarRow to a Bar.
func RowToBar(r *BarRow) types.Bar {
	return types.Bar{
		AssetID:   r.AssetID,
		SessionMs: r.SessionMs,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Filled:    r.Filled,
	}
}

// AdjustmentToRow converts an Adjustment to an AdjustmentRow.
func AdjustmentToRow(a *types.Adjustment) AdjustmentRow {
	return AdjustmentRow{
		AssetID:         a.AssetID,
		Kind:            a.Kind.String(),
		Value:           a.Value,
		EffectiveDateMs: a.EffectiveDateMs,
		ApplyDateMs:     a.ApplyDateMs,
	}
}

// RowToAdjustment converts an AdjustmentRow to an Adjustment.
func RowToAdjustment(r *AdjustmentRow) (types.Adjustment, error) {
	kind, err := types.ParseAdjustmentKind(r.Kind)
	if err != nil {
		return types.Adjustment{}, err
	}
	return types.Adjustment{
		AssetID:         r.AssetID,
		Kind:            kind,
		Value:           r.Value,
		EffectiveDateMs: r.EffectiveDateMs,
		ApplyDateMs:     r.ApplyDateMs,
	}, nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// BarWriter writes bars to a Parquet file.
type BarWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[BarRow]
	rowCount int64
	closed   bool
}

// NewBarWriter creates a new bar Parquet writer.
func NewBarWriter(path string, opts Options) (*BarWriter, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, err
	}

	writer := parquet.NewGenericWriter[BarRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &BarWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes bars to the Parquet file.
func (w *BarWriter) Write(bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]BarRow, len(bars))
	for i := range bars {
		rows[i] = BarToRow(&bars[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *BarWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *BarWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *BarWriter) Path() string {
	return w.path
}

// AdjustmentWriter writes corporate actions to a Parquet file.
type AdjustmentWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[AdjustmentRow]
	rowCount int64
	closed   bool
}

// NewAdjustmentWriter creates a new adjustment Parquet writer.
func NewAdjustmentWriter(path string, opts Options) (*AdjustmentWriter, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, err
	}

	writer := parquet.NewGenericWriter[AdjustmentRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &AdjustmentWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes adjustments to the Parquet file.
func (w *AdjustmentWriter) Write(adjs []types.Adjustment) error {
	if len(adjs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]AdjustmentRow, len(adjs))
	for i := range adjs {
		rows[i] = AdjustmentToRow(&adjs[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *AdjustmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *AdjustmentWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *AdjustmentWriter) Path() string {
	return w.path
}

// createFile ensures the parent directory exists and creates the file.
func createFile(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}
