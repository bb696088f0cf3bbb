package adjust

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/qfoundry/bundlestore/internal/bundle/parquet"
	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

func ms(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTable_SplitAppliesPointInTime(t *testing.T) {
	// 2-for-1 split: prices halve, volume doubles for prior sessions.
	table := NewTable([]types.Adjustment{
		{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5,
			EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
	})

	bar := types.Bar{AssetID: 1, SessionMs: ms(2022, 1, 4),
		Open: 182.0, High: 183.0, Low: 179.0, Close: 180.0, Volume: 1000}

	// Before the apply date the split is invisible.
	got := table.Apply([]types.Bar{bar}, date(2022, 1, 3))
	if !closeTo(got[0].Close, 180.0) || got[0].Volume != 1000 {
		t.Errorf("as of 2022-01-03: expected raw bar, got %+v", got[0])
	}

	// At or after the apply date the prior session is halved.
	got = table.Apply([]types.Bar{bar}, date(2022, 1, 10))
	if !closeTo(got[0].Close, 90.0) {
		t.Errorf("as of 2022-01-10: expected close 90.0, got %v", got[0].Close)
	}
	if !closeTo(got[0].Open, 91.0) || !closeTo(got[0].High, 91.5) || !closeTo(got[0].Low, 89.5) {
		t.Errorf("as of 2022-01-10: OHL not halved: %+v", got[0])
	}
	if got[0].Volume != 2000 {
		t.Errorf("as of 2022-01-10: expected volume 2000, got %d", got[0].Volume)
	}
}

func TestTable_SessionOnApplyDateUnchanged(t *testing.T) {
	table := NewTable([]types.Adjustment{
		{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5,
			EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
	})

	// Sessions on or after the apply date already trade at the new scale.
	for _, session := range []int64{ms(2022, 1, 5), ms(2022, 1, 6)} {
		bar := types.Bar{AssetID: 1, SessionMs: session, Close: 91.0, Volume: 500}
		got := table.Apply([]types.Bar{bar}, date(2022, 1, 10))
		if !closeTo(got[0].Close, 91.0) || got[0].Volume != 500 {
			t.Errorf("session %s: expected untouched bar, got %+v",
				time.UnixMilli(session).UTC().Format("2006-01-02"), got[0])
		}
	}
}

func TestTable_CompositionLaw(t *testing.T) {
	bar := types.Bar{AssetID: 1, SessionMs: ms(2022, 1, 3), Close: 100.0, Volume: 1000}

	tests := []struct {
		name       string
		adjs       []types.Adjustment
		wantClose  float64
		wantVolume int64
	}{
		{
			name: "multiply chains multiplicatively",
			adjs: []types.Adjustment{
				{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
				{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
			},
			wantClose:  25.0,
			wantVolume: 4000,
		},
		{
			name: "add accumulates",
			adjs: []types.Adjustment{
				{AssetID: 1, Kind: types.AdjustAdd, Value: -1.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
				{AssetID: 1, Kind: types.AdjustAdd, Value: -0.5, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
			},
			wantClose:  98.0,
			wantVolume: 1000,
		},
		{
			name: "multiply then add",
			adjs: []types.Adjustment{
				{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
				{AssetID: 1, Kind: types.AdjustAdd, Value: -2.0, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
			},
			wantClose:  48.0,
			wantVolume: 2000,
		},
		{
			name: "add then multiply scales the shift",
			adjs: []types.Adjustment{
				{AssetID: 1, Kind: types.AdjustAdd, Value: -2.0, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
				{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
			},
			wantClose:  49.0,
			wantVolume: 2000,
		},
		{
			name: "overwrite discards earlier adjustments",
			adjs: []types.Adjustment{
				{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
				{AssetID: 1, Kind: types.AdjustOverwrite, Value: 42.0, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
			},
			wantClose:  42.0,
			wantVolume: 2000,
		},
		{
			name: "later adjustments stack on an overwrite",
			adjs: []types.Adjustment{
				{AssetID: 1, Kind: types.AdjustOverwrite, Value: 42.0, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
				{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
			},
			wantClose:  21.0,
			wantVolume: 2000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable(tt.adjs)
			got := table.Apply([]types.Bar{bar}, date(2022, 2, 1))
			if !closeTo(got[0].Close, tt.wantClose) {
				t.Errorf("expected close %v, got %v", tt.wantClose, got[0].Close)
			}
			if got[0].Volume != tt.wantVolume {
				t.Errorf("expected volume %d, got %d", tt.wantVolume, got[0].Volume)
			}
		})
	}
}

func TestTable_DeterministicUnderInsertionOrder(t *testing.T) {
	adjs := []types.Adjustment{
		{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
		{AssetID: 1, Kind: types.AdjustAdd, Value: -1.0, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 6)},
		{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.25, EffectiveDateMs: ms(2022, 1, 7), ApplyDateMs: ms(2022, 1, 7)},
		{AssetID: 1, Kind: types.AdjustOverwrite, Value: 33.0, EffectiveDateMs: ms(2022, 1, 4), ApplyDateMs: ms(2022, 1, 10)},
	}
	bar := types.Bar{AssetID: 1, SessionMs: ms(2022, 1, 3), Close: 100.0, Volume: 1000}

	// Every permutation of insertion order yields the same adjusted view.
	perms := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1},
	}

	base := NewTable(adjs).Apply([]types.Bar{bar}, date(2022, 2, 1))[0]
	for _, p := range perms {
		shuffled := make([]types.Adjustment, len(adjs))
		for i, j := range p {
			shuffled[i] = adjs[j]
		}
		got := NewTable(shuffled).Apply([]types.Bar{bar}, date(2022, 2, 1))[0]
		if got != base {
			t.Errorf("order %v: expected %+v, got %+v", p, base, got)
		}
	}
}

func TestTable_Lookup(t *testing.T) {
	table := NewTable([]types.Adjustment{
		{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
		{AssetID: 1, Kind: types.AdjustAdd, Value: -1.0, EffectiveDateMs: ms(2022, 1, 8), ApplyDateMs: ms(2022, 1, 10)},
		{AssetID: 2, Kind: types.AdjustMultiply, Value: 0.1, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
	})

	if got := table.Lookup(1, date(2022, 1, 4)); len(got) != 0 {
		t.Errorf("before any apply date: expected none, got %d", len(got))
	}
	if got := table.Lookup(1, date(2022, 1, 7)); len(got) != 1 {
		t.Errorf("as of 2022-01-07: expected 1, got %d", len(got))
	}
	got := table.Lookup(1, date(2022, 1, 10))
	if len(got) != 2 {
		t.Fatalf("as of 2022-01-10: expected 2, got %d", len(got))
	}
	if got[0].ApplyDateMs > got[1].ApplyDateMs {
		t.Error("lookup result not in ascending apply-date order")
	}
	if got := table.Lookup(99, date(2022, 1, 10)); got != nil {
		t.Errorf("unknown asset: expected nil, got %v", got)
	}
}

func TestWriter_Validation(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		adj  types.Adjustment
		ok   bool
	}{
		{"valid multiply", types.Adjustment{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)}, true},
		{"zero multiply", types.Adjustment{AssetID: 1, Kind: types.AdjustMultiply, Value: 0, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)}, false},
		{"negative multiply", types.Adjustment{AssetID: 1, Kind: types.AdjustMultiply, Value: -0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)}, false},
		{"apply before effective", types.Adjustment{AssetID: 1, Kind: types.AdjustAdd, Value: -1, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 5)}, false},
		{"negative add", types.Adjustment{AssetID: 1, Kind: types.AdjustAdd, Value: -1, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 6)}, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(filepath.Join(dir, tt.name, parquet.AdjustmentsFile), parquet.DefaultOptions())
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			defer w.Close()

			err = w.Write([]types.Adjustment{tt.adj})
			if tt.ok && err != nil {
				t.Errorf("case %d: unexpected error: %v", i, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("case %d: expected validation error", i)
			}
		})
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), parquet.AdjustmentsFile)

	adjs := []types.Adjustment{
		{AssetID: 1, Kind: types.AdjustMultiply, Value: 0.5, EffectiveDateMs: ms(2022, 1, 5), ApplyDateMs: ms(2022, 1, 5)},
		{AssetID: 2, Kind: types.AdjustAdd, Value: -0.22, EffectiveDateMs: ms(2022, 1, 6), ApplyDateMs: ms(2022, 1, 7)},
	}

	w, err := NewWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(adjs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if table.Len() != 2 {
		t.Errorf("expected 2 adjustments, got %d", table.Len())
	}
	got := table.Lookup(1, date(2022, 2, 1))
	if len(got) != 1 || got[0] != adjs[0] {
		t.Errorf("lookup after load: got %v", got)
	}
}
