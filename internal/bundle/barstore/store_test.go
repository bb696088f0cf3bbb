package barstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/qfoundry/bundlestore/internal/bundle/parquet"
	"github.com/qfoundry/bundlestore/internal/bundle/types"
	errs "github.com/qfoundry/bundlestore/internal/errors"
)

func ms(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func writeBars(t *testing.T, path string, bars []types.Bar) {
	t.Helper()

	w, err := NewWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(bars); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriter_RejectsDuplicateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), parquet.BarsFile)

	w, err := NewWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	first := []types.Bar{
		{AssetID: 1, SessionMs: ms(2022, 1, 3), Close: 182.01},
		{AssetID: 1, SessionMs: ms(2022, 1, 4), Close: 180.0},
	}
	if err := w.Write(first); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	// Same key as an earlier batch.
	err = w.Write([]types.Bar{{AssetID: 1, SessionMs: ms(2022, 1, 4), Close: 181.5}})
	if !errors.Is(err, errs.ErrDuplicateBar) {
		t.Errorf("cross-batch duplicate: expected ErrDuplicateBar, got %v", err)
	}

	// Duplicate within a single batch.
	err = w.Write([]types.Bar{
		{AssetID: 2, SessionMs: ms(2022, 1, 3), Close: 10},
		{AssetID: 2, SessionMs: ms(2022, 1, 3), Close: 11},
	})
	if !errors.Is(err, errs.ErrDuplicateBar) {
		t.Errorf("in-batch duplicate: expected ErrDuplicateBar, got %v", err)
	}

	// Same session for a different asset is fine.
	if err := w.Write([]types.Bar{{AssetID: 3, SessionMs: ms(2022, 1, 4), Close: 50}}); err != nil {
		t.Errorf("distinct asset same session: %v", err)
	}
}

func TestStore_ReadRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), parquet.BarsFile)

	bars := []types.Bar{
		{AssetID: 2, SessionMs: ms(2022, 1, 3), Open: 330, High: 338, Low: 329, Close: 334.75, Volume: 28865100},
		{AssetID: 1, SessionMs: ms(2022, 1, 3), Open: 177.83, High: 182.88, Low: 177.71, Close: 182.01, Volume: 104487900},
		{AssetID: 1, SessionMs: ms(2022, 1, 4), Open: 182.63, High: 182.94, Low: 179.12, Close: 180.0, Volume: 99310400},
		{AssetID: 1, SessionMs: ms(2022, 1, 5), Open: 179.61, High: 180.17, Low: 174.64, Close: 174.92, Volume: 94537600},
		{AssetID: 3, SessionMs: ms(2022, 1, 4), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
	}
	writeBars(t, path, bars)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()

	got, err := s.ReadRange(ctx,
		[]int64{2, 1},
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 1, 4, 0, 0, 0, 0, time.UTC),
		nil)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	expected := []types.Bar{
		{AssetID: 1, SessionMs: ms(2022, 1, 3), Open: 177.83, High: 182.88, Low: 177.71, Close: 182.01, Volume: 104487900},
		{AssetID: 1, SessionMs: ms(2022, 1, 4), Open: 182.63, High: 182.94, Low: 179.12, Close: 180.0, Volume: 99310400},
		{AssetID: 2, SessionMs: ms(2022, 1, 3), Open: 330, High: 338, Low: 329, Close: 334.75, Volume: 28865100},
	}
	if len(got) != len(expected) {
		t.Fatalf("expected %d bars, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("bar %d: expected %+v, got %+v", i, expected[i], got[i])
		}
	}
}

func TestStore_ReadRange_Projection(t *testing.T) {
	path := filepath.Join(t.TempDir(), parquet.BarsFile)

	writeBars(t, path, []types.Bar{
		{AssetID: 1, SessionMs: ms(2022, 1, 3), Open: 177.83, High: 182.88, Low: 177.71, Close: 182.01, Volume: 104487900},
	})

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.ReadRange(context.Background(),
		[]int64{1},
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		[]string{"close", "volume"})
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(got))
	}

	b := got[0]
	if b.Close != 182.01 || b.Volume != 104487900 {
		t.Errorf("projected columns wrong: %+v", b)
	}
	// Unrequested columns stay zero.
	if b.Open != 0 || b.High != 0 || b.Low != 0 {
		t.Errorf("unrequested columns materialized: %+v", b)
	}
}

func TestStore_ReadRange_UnknownColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), parquet.BarsFile)
	writeBars(t, path, []types.Bar{{AssetID: 1, SessionMs: ms(2022, 1, 3)}})

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = s.ReadRange(context.Background(),
		[]int64{1},
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		[]string{"vwap"})
	if !errors.Is(err, errs.ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestStore_ReadRange_NoAssets(t *testing.T) {
	path := filepath.Join(t.TempDir(), parquet.BarsFile)
	writeBars(t, path, []types.Bar{{AssetID: 1, SessionMs: ms(2022, 1, 3)}})

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.ReadRange(context.Background(), nil,
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		nil)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no bars, got %d", len(got))
	}
}
