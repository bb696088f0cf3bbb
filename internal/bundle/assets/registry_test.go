package assets

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	errs "github.com/qfoundry/bundlestore/internal/errors"
)

const reuseGap = 180

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func openRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := Open(filepath.Join(t.TempDir(), RegistryFile))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	a, err := r.RegisterOrUpdate(ctx, "AAPL", date(2022, 1, 3), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if a.ID != 1 || a.Symbol != "AAPL" {
		t.Errorf("unexpected asset: %+v", a)
	}

	// Later observation extends the window under the same id.
	a2, err := r.RegisterOrUpdate(ctx, "AAPL", date(2022, 1, 7), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate extend: %v", err)
	}
	if a2.ID != a.ID {
		t.Errorf("extension minted new id %d, expected %d", a2.ID, a.ID)
	}
	if !a2.EndDate.Equal(date(2022, 1, 7)) {
		t.Errorf("end date not extended: %v", a2.EndDate)
	}

	got, err := r.Resolve(ctx, "AAPL", date(2022, 1, 5))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("resolved id %d, expected %d", got.ID, a.ID)
	}

	// Outside the window the symbol is unknown.
	_, err = r.Resolve(ctx, "AAPL", date(2021, 6, 1))
	if !errors.Is(err, errs.ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}

	_, err = r.Resolve(ctx, "MSFT", date(2022, 1, 5))
	if !errors.Is(err, errs.ErrUnknownSymbol) {
		t.Errorf("unregistered symbol: expected ErrUnknownSymbol, got %v", err)
	}
}

func TestRegistry_ReuseGapMintsNewID(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	first, err := r.RegisterOrUpdate(ctx, "TWTR", date(2020, 1, 6), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if _, err := r.RegisterOrUpdate(ctx, "TWTR", date(2020, 3, 31), reuseGap); err != nil {
		t.Fatalf("RegisterOrUpdate extend: %v", err)
	}

	// The symbol reappears well past the reuse gap: a different entity.
	second, err := r.RegisterOrUpdate(ctx, "TWTR", date(2021, 6, 1), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate after gap: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new id after the reuse gap")
	}
	if second.ID < first.ID {
		t.Errorf("ids must be monotonic: %d then %d", first.ID, second.ID)
	}

	// Each window resolves to its own asset.
	got, err := r.Resolve(ctx, "TWTR", date(2020, 2, 14))
	if err != nil || got.ID != first.ID {
		t.Errorf("old window: got %+v, %v", got, err)
	}
	got, err = r.Resolve(ctx, "TWTR", date(2021, 6, 1))
	if err != nil || got.ID != second.ID {
		t.Errorf("new window: got %+v, %v", got, err)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	a, err := r.RegisterOrUpdate(ctx, "IBM", date(2022, 1, 3), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}

	got, err := r.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Symbol != "IBM" {
		t.Errorf("expected IBM, got %s", got.Symbol)
	}

	_, err = r.Get(ctx, 999)
	if !errors.Is(err, errs.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestRegistry_SeedFrom(t *testing.T) {
	ctx := context.Background()

	prev := openRegistry(t)
	if _, err := prev.RegisterOrUpdate(ctx, "AAPL", date(2022, 1, 3), reuseGap); err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if _, err := prev.RegisterOrUpdate(ctx, "MSFT", date(2022, 1, 3), reuseGap); err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}

	next := openRegistry(t)
	if err := next.SeedFrom(ctx, prev); err != nil {
		t.Fatalf("SeedFrom: %v", err)
	}

	// Seeded symbols keep their ids across versions.
	a, err := next.Resolve(ctx, "AAPL", date(2022, 1, 3))
	if err != nil || a.ID != 1 {
		t.Errorf("AAPL after seed: got %+v, %v", a, err)
	}

	// New symbols continue the id sequence past the seeded maximum.
	c, err := next.RegisterOrUpdate(ctx, "GOOG", date(2022, 1, 4), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if c.ID != 3 {
		t.Errorf("expected id 3 after seeding two assets, got %d", c.ID)
	}
}

func TestRegistry_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	ctx := context.Background()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.RegisterOrUpdate(ctx, "AAPL", date(2022, 1, 3), reuseGap); err != nil {
		t.Fatalf("RegisterOrUpdate: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	a, err := r2.Resolve(ctx, "AAPL", date(2022, 1, 3))
	if err != nil {
		t.Fatalf("Resolve after reopen: %v", err)
	}
	if a.ID != 1 {
		t.Errorf("expected id 1, got %d", a.ID)
	}

	// Id sequence resumes where it left off.
	b, err := r2.RegisterOrUpdate(ctx, "MSFT", date(2022, 1, 3), reuseGap)
	if err != nil {
		t.Fatalf("RegisterOrUpdate after reopen: %v", err)
	}
	if b.ID != 2 {
		t.Errorf("expected id 2, got %d", b.ID)
	}
}
