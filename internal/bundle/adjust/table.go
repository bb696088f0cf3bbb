// Package adjust stores corporate-action records separately from raw bars
// and applies them to reads at query time. Raw bars stay immutable; the
// adjusted view depends on the caller's as-of date, so a query never sees
// a correction before the date it became known.
package adjust

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/qfoundry/bundlestore/internal/bundle/parquet"
	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// Writer appends adjustments to a version's adjustment file.
type Writer struct {
	pw *parquet.AdjustmentWriter
}

// NewWriter creates an adjustment writer for an ingestion version directory.
func NewWriter(path string, opts parquet.Options) (*Writer, error) {
	pw, err := parquet.NewAdjustmentWriter(path, opts)
	if err != nil {
		return nil, fmt.Errorf("create adjustment writer: %w", err)
	}
	return &Writer{pw: pw}, nil
}

// Write appends adjustments after validating them.
func (w *Writer) Write(adjs []types.Adjustment) error {
	for i := range adjs {
		if err := validate(&adjs[i]); err != nil {
			return err
		}
	}
	return w.pw.Write(adjs)
}

// RowCount returns the number of adjustments written.
func (w *Writer) RowCount() int64 {
	return w.pw.RowCount()
}

// Close finalizes the adjustment file. Safe to call more than once.
func (w *Writer) Close() error {
	return w.pw.Close()
}

func validate(a *types.Adjustment) error {
	switch a.Kind {
	case types.AdjustMultiply:
		if a.Value <= 0 {
			return fmt.Errorf("multiply adjustment for asset %d: value %v must be positive", a.AssetID, a.Value)
		}
	case types.AdjustAdd, types.AdjustOverwrite:
	default:
		return fmt.Errorf("asset %d: unknown adjustment kind %d", a.AssetID, a.Kind)
	}
	if a.ApplyDateMs < a.EffectiveDateMs {
		return fmt.Errorf("asset %d: apply date %s precedes effective date %s",
			a.AssetID,
			time.UnixMilli(a.ApplyDateMs).UTC().Format("2006-01-02"),
			time.UnixMilli(a.EffectiveDateMs).UTC().Format("2006-01-02"))
	}
	return nil
}

// Table holds a version's adjustments in memory, grouped by asset and
// sorted into canonical application order. The table is small relative to
// the bars, so readers load it whole.
type Table struct {
	byAsset map[int64][]types.Adjustment
	total   int
}

// NewTable builds a table from adjustments in any order.
func NewTable(adjs []types.Adjustment) *Table {
	byAsset := make(map[int64][]types.Adjustment)
	for _, a := range adjs {
		byAsset[a.AssetID] = append(byAsset[a.AssetID], a)
	}

	// Canonical order makes composition deterministic regardless of the
	// order adjustments were inserted or stored.
	for _, list := range byAsset {
		sort.Slice(list, func(i, j int) bool {
			if list[i].ApplyDateMs != list[j].ApplyDateMs {
				return list[i].ApplyDateMs < list[j].ApplyDateMs
			}
			if list[i].Kind != list[j].Kind {
				return list[i].Kind < list[j].Kind
			}
			if list[i].Value != list[j].Value {
				return list[i].Value < list[j].Value
			}
			return list[i].EffectiveDateMs < list[j].EffectiveDateMs
		})
	}

	return &Table{byAsset: byAsset, total: len(adjs)}
}

// Load reads a version's adjustment file into a table.
func Load(path string) (*Table, error) {
	r, err := parquet.NewAdjustmentReader(path)
	if err != nil {
		return nil, fmt.Errorf("open adjustment file: %w", err)
	}
	defer r.Close()

	adjs, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read adjustments: %w", err)
	}
	return NewTable(adjs), nil
}

// Len returns the total number of adjustments in the table.
func (t *Table) Len() int {
	return t.total
}

// Lookup returns the asset's adjustments visible as of the given date, in
// canonical application order.
func (t *Table) Lookup(assetID int64, asOf time.Time) []types.Adjustment {
	all := t.byAsset[assetID]
	asOfMs := asOf.UTC().UnixMilli()

	// Sorted by apply date, so the visible prefix is contiguous.
	n := sort.Search(len(all), func(i int) bool {
		return all[i].ApplyDateMs > asOfMs
	})
	if n == 0 {
		return nil
	}

	out := make([]types.Adjustment, n)
	copy(out, all[:n])
	return out
}

// Apply returns adjusted copies of the bars for a read as of the given
// date. An adjustment contributes to a bar when its apply date is known by
// asOf and the bar's session precedes the apply date. Input bars are not
// modified.
func (t *Table) Apply(bars []types.Bar, asOf time.Time) []types.Bar {
	if len(bars) == 0 {
		return nil
	}

	asOfMs := asOf.UTC().UnixMilli()
	out := make([]types.Bar, len(bars))
	for i := range bars {
		out[i] = t.adjustBar(bars[i], asOfMs)
	}
	return out
}

// adjustBar composes the applicable adjustments into one price transform
// and applies it. The transform is affine (price' = scale*price + shift):
// multiply scales both terms and divides volume, add accumulates into the
// shift, overwrite discards the transform so far and pins the price to its
// value, which later adjustments then act on.
func (t *Table) adjustBar(b types.Bar, asOfMs int64) types.Bar {
	adjs := t.byAsset[b.AssetID]
	if len(adjs) == 0 {
		return b
	}

	scale, shift := 1.0, 0.0
	volDiv := 1.0

	for _, a := range adjs {
		if a.ApplyDateMs > asOfMs {
			break
		}
		if b.SessionMs >= a.ApplyDateMs {
			continue
		}

		switch a.Kind {
		case types.AdjustMultiply:
			scale *= a.Value
			shift *= a.Value
			volDiv *= a.Value
		case types.AdjustAdd:
			shift += a.Value
		case types.AdjustOverwrite:
			scale = 0
			shift = a.Value
		}
	}

	if scale == 1.0 && shift == 0.0 && volDiv == 1.0 {
		return b
	}

	b.Open = scale*b.Open + shift
	b.High = scale*b.High + shift
	b.Low = scale*b.Low + shift
	b.Close = scale*b.Close + shift
	if volDiv != 1.0 {
		b.Volume = int64(math.Round(float64(b.Volume) / volDiv))
	}
	return b
}
