package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// CSVDirAdapter reads daily bars from a directory of per-symbol CSV
// files, one file per symbol named <SYMBOL>.csv with a
// date,open,high,low,close,volume header. Useful for local bundles and
// as the test workhorse.
type CSVDirAdapter struct {
	dir string
}

// NewCSVDirAdapter creates an adapter over a CSV directory.
func NewCSVDirAdapter(dir string) *CSVDirAdapter {
	return &CSVDirAdapter{dir: dir}
}

// Name identifies the adapter.
func (a *CSVDirAdapter) Name() string {
	return "csvdir"
}

// Fetch reads each symbol's file and keeps rows within [start, end].
// A symbol with no file yields a warning, not a failure: the directory
// is the authority on what exists.
func (a *CSVDirAdapter) Fetch(ctx context.Context, symbols []string, start, end time.Time) (*FetchResult, error) {
	log := logging.Component("source").With("adapter", a.Name())

	if _, err := os.Stat(a.dir); err != nil {
		return nil, fmt.Errorf("%w: directory %s: %v", errs.ErrSourceUnavailable, a.dir, err)
	}

	result := &FetchResult{}
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records, err := a.readSymbol(sym, start, end)
		if err != nil {
			if os.IsNotExist(err) {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("symbol %s: no data file", sym))
				continue
			}
			return nil, err
		}
		result.Records = append(result.Records, records...)
	}

	log.Debug("fetch complete", "symbols", len(symbols), "records", len(result.Records))
	return result, nil
}

func (a *CSVDirAdapter) readSymbol(symbol string, start, end time.Time) ([]types.RawRecord, error) {
	f, err := os.Open(filepath.Join(a.dir, symbol+".csv"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: symbol %s: read header: %v", errs.ErrSourceUnavailable, symbol, err)
	}
	if !strings.EqualFold(header[0], "date") {
		return nil, fmt.Errorf("%w: symbol %s: unexpected header %v", errs.ErrSourceUnavailable, symbol, header)
	}

	var out []types.RawRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: symbol %s line %d: %v", errs.ErrSourceUnavailable, symbol, line, err)
		}

		rec, err := parseCSVRow(symbol, row)
		if err != nil {
			return nil, fmt.Errorf("%w: symbol %s line %d: %v", errs.ErrSourceUnavailable, symbol, line, err)
		}
		if rec.Date.Before(start) || rec.Date.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseCSVRow(symbol string, row []string) (types.RawRecord, error) {
	d, err := time.ParseInLocation(dateLayout, row[0], time.UTC)
	if err != nil {
		return types.RawRecord{}, fmt.Errorf("bad date %q", row[0])
	}

	var prices [4]float64
	for i := 0; i < 4; i++ {
		prices[i], err = strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return types.RawRecord{}, fmt.Errorf("bad price %q", row[i+1])
		}
	}

	vol, err := strconv.ParseInt(row[5], 10, 64)
	if err != nil {
		return types.RawRecord{}, fmt.Errorf("bad volume %q", row[5])
	}

	return types.RawRecord{
		Symbol: symbol,
		Date:   d,
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: vol,
	}, nil
}
