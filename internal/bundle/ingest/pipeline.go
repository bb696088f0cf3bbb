// Package ingest drives one ingestion run through its state machine:
// pending, fetching, normalizing, writing, committed, with failed
// reachable from any non-terminal state. Each phase transition is logged
// and persisted to the version's manifest, so a crash leaves an honest
// record rather than a half-visible version.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qfoundry/bundlestore/internal/config"
	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"

	"github.com/qfoundry/bundlestore/internal/bundle/adjust"
	"github.com/qfoundry/bundlestore/internal/bundle/assets"
	"github.com/qfoundry/bundlestore/internal/bundle/barstore"
	"github.com/qfoundry/bundlestore/internal/bundle/manifest"
	"github.com/qfoundry/bundlestore/internal/bundle/normalize"
	"github.com/qfoundry/bundlestore/internal/bundle/parquet"
	"github.com/qfoundry/bundlestore/internal/bundle/source"
	"github.com/qfoundry/bundlestore/internal/bundle/types"
	"github.com/qfoundry/bundlestore/internal/bundle/version"
	"github.com/qfoundry/bundlestore/internal/calendar"
)

// SymbolAdjustment is a corporate action keyed by symbol, as delivered by
// upstream feeds before asset ids exist. The pipeline resolves it against
// the run's registry while writing.
type SymbolAdjustment struct {
	Symbol        string
	Kind          types.AdjustmentKind
	Value         float64
	EffectiveDate time.Time
	ApplyDate     time.Time
}

// Request describes one ingestion run.
type Request struct {
	Bundle      string
	Symbols     []string
	Start       time.Time
	End         time.Time
	Adjustments []SymbolAdjustment
}

// Pipeline runs ingestions for a bundle store.
type Pipeline struct {
	cfg     *config.Config
	adapter source.Adapter
	cal     calendar.Calendar
	mgr     *version.Manager

	mu     sync.Mutex
	active map[string]bool
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(cfg *config.Config, adapter source.Adapter, cal calendar.Calendar, mgr *version.Manager) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		adapter: adapter,
		cal:     cal,
		mgr:     mgr,
		active:  make(map[string]bool),
	}
}

// Run executes one ingestion. At most one ingestion per bundle may run at
// a time; a second caller fails fast with ErrIngestionInProgress. On any
// failure the version's manifest records status failed and the version
// stays invisible to readers; the committed version list is untouched.
func (p *Pipeline) Run(ctx context.Context, req Request) (*manifest.Manifest, error) {
	if err := p.lock(req.Bundle); err != nil {
		return nil, err
	}
	defer p.unlock(req.Bundle)

	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	ctx = logging.ContextWithBundle(ctx, req.Bundle)
	log := logging.WithContext(ctx).With("component", "ingest")

	v, err := p.mgr.CreateVersion(req.Bundle)
	if err != nil {
		return nil, err
	}
	// Pin the version so a concurrent retention pass cannot remove the
	// directory while it is still being written.
	p.mgr.Pin(v)
	defer p.mgr.Unpin(v)

	man := &manifest.Manifest{
		RunID:        runID,
		Bundle:       req.Bundle,
		Version:      v.ID,
		Source:       p.adapter.Name(),
		Calendar:     p.cal.Name(),
		StartSession: req.Start.UTC().Format("2006-01-02"),
		EndSession:   req.End.UTC().Format("2006-01-02"),
		StartedAt:    time.Now().UTC(),
	}
	man.SetState(types.StatePending)
	if err := man.Save(v.Dir); err != nil {
		return nil, err
	}

	run := &run{
		pipeline: p,
		req:      req,
		version:  v,
		man:      man,
		log:      log,
	}

	if err := run.execute(ctx); err != nil {
		run.fail(err)
		return man, fmt.Errorf("%w: %v", errs.ErrIngestionFailed, err)
	}

	log.Info("ingestion committed",
		"version", v.ID,
		"bars", man.BarsWritten,
		"adjustments", man.AdjustmentsWritten,
		"elapsed", man.FinishedAt.Sub(man.StartedAt))
	return man, nil
}

func (p *Pipeline) lock(bundle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active[bundle] {
		return fmt.Errorf("%w: %s", errs.ErrIngestionInProgress, bundle)
	}
	p.active[bundle] = true
	return nil
}

func (p *Pipeline) unlock(bundle string) {
	p.mu.Lock()
	delete(p.active, bundle)
	p.mu.Unlock()
}

// run holds the state of one executing ingestion.
type run struct {
	pipeline *Pipeline
	req      Request
	version  version.Version
	man      *manifest.Manifest
	log      *slog.Logger

	records []types.RawRecord
	latency *manifest.LatencySummary
}

func (r *run) execute(ctx context.Context) error {
	if err := r.transition(types.StateFetching); err != nil {
		return err
	}
	if err := r.fetch(ctx); err != nil {
		return err
	}

	if err := r.transition(types.StateNormalizing); err != nil {
		return err
	}
	reg, results, err := r.normalizeAll(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := r.transition(types.StateWriting); err != nil {
		return err
	}
	if err := r.write(ctx, reg, results); err != nil {
		return err
	}

	r.man.FinishedAt = time.Now().UTC()
	return r.transition(types.StateCommitted)
}

// transition advances the state machine and persists the manifest.
func (r *run) transition(next types.IngestState) error {
	cur, err := r.man.State()
	if err != nil {
		return err
	}
	if !cur.CanTransition(next) {
		return fmt.Errorf("illegal state transition %s -> %s", cur, next)
	}

	r.man.SetState(next)
	if err := r.man.Save(r.version.Dir); err != nil {
		return err
	}
	r.log.Info("state transition", "from", cur.String(), "to", next.String())
	return nil
}

// fail records a failed run. The manifest keeps whatever per-asset detail
// accumulated before the failure.
func (r *run) fail(cause error) {
	r.man.Error = cause.Error()
	r.man.FinishedAt = time.Now().UTC()
	r.man.SetState(types.StateFailed)
	if err := r.man.Save(r.version.Dir); err != nil {
		r.log.Warn("could not persist failed manifest", "error", err)
	}
	r.log.Warn("ingestion failed", "version", r.version.ID, "error", cause)
}

// fetch pulls raw records symbol by symbol through a bounded worker pool,
// tracking per-call latency percentiles for the manifest.
func (r *run) fetch(ctx context.Context) error {
	cfg := r.pipeline.cfg.Ingest

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return fmt.Errorf("create latency sketch: %w", err)
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FetchWorkers)

	for _, sym := range r.req.Symbols {
		sym := sym
		g.Go(func() error {
			fctx := gctx
			if cfg.FetchTimeoutSec > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(gctx, cfg.FetchTimeout())
				defer cancel()
			}

			began := time.Now()
			res, err := r.pipeline.adapter.Fetch(fctx, []string{sym}, r.req.Start, r.req.End)
			elapsed := time.Since(began)
			if err != nil {
				return fmt.Errorf("symbol %s: %w", sym, err)
			}

			mu.Lock()
			defer mu.Unlock()
			r.records = append(r.records, res.Records...)
			r.man.Warnings = append(r.man.Warnings, res.Warnings...)
			return sketch.Add(float64(elapsed.Milliseconds()))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if count := sketch.GetCount(); count > 0 {
		p50, err50 := sketch.GetValueAtQuantile(0.5)
		p90, err90 := sketch.GetValueAtQuantile(0.9)
		p99, err99 := sketch.GetValueAtQuantile(0.99)
		if err50 == nil && err90 == nil && err99 == nil {
			r.man.FetchLatency = &manifest.LatencySummary{
				Count: int64(count),
				P50:   p50,
				P90:   p90,
				P99:   p99,
			}
		}
	}

	r.log.Info("fetch complete", "symbols", len(r.req.Symbols), "records", len(r.records))
	return nil
}

// normalizeAll registers each observed symbol and aligns its records to
// the calendar. Per-asset normalization failures are recorded in the
// manifest and skipped; they do not abort the run.
func (r *run) normalizeAll(ctx context.Context) (*assets.Registry, []*assetBars, error) {
	cfg := r.pipeline.cfg.Ingest

	reg, err := r.openRegistry(ctx)
	if err != nil {
		return nil, nil, err
	}

	bySymbol := make(map[string][]types.RawRecord)
	for _, rec := range r.records {
		bySymbol[rec.Symbol] = append(bySymbol[rec.Symbol], rec)
	}

	pol := normalize.Policy{
		ForwardFillDays:    cfg.ForwardFillThresholdDays,
		MaxMissingFraction: cfg.MaxMissingFraction,
	}

	var out []*assetBars
	for _, sym := range r.req.Symbols {
		records := bySymbol[sym]
		if len(records) == 0 {
			r.man.Warnings = append(r.man.Warnings,
				fmt.Sprintf("symbol %s: no records in requested range", sym))
			r.log.Warn("symbol yielded no records", "symbol", sym)
			continue
		}

		first, last := observedRange(records)
		asset, err := reg.RegisterOrUpdate(ctx, sym, first, cfg.ReuseGapDays)
		if err != nil {
			reg.Close()
			return nil, nil, err
		}
		if asset, err = reg.RegisterOrUpdate(ctx, sym, last, cfg.ReuseGapDays); err != nil {
			reg.Close()
			return nil, nil, err
		}

		outcome := manifest.AssetOutcome{AssetID: asset.ID, Symbol: sym}
		res, err := normalize.Asset(asset, records, r.pipeline.cal, pol)
		if err != nil {
			if !errs.IsNormalizationError(err) {
				reg.Close()
				return nil, nil, err
			}
			outcome.Error = err.Error()
			r.man.Assets = append(r.man.Assets, outcome)
			r.log.Warn("asset rejected", "symbol", sym, "error", err)
			continue
		}

		outcome.Bars = len(res.Bars)
		outcome.Filled = res.Filled
		outcome.Missing = res.Missing
		r.man.Assets = append(r.man.Assets, outcome)
		out = append(out, &assetBars{asset: asset, bars: res.Bars})
	}

	return reg, out, nil
}

// openRegistry creates this version's registry, seeded from the bundle's
// previous committed version so asset ids stay stable across ingestions.
func (r *run) openRegistry(ctx context.Context) (*assets.Registry, error) {
	reg, err := assets.Open(filepath.Join(r.version.Dir, assets.RegistryFile))
	if err != nil {
		return nil, err
	}

	prev, err := r.pipeline.mgr.Current(r.req.Bundle)
	if err != nil {
		if errs.Is(err, errs.ErrNoCommittedVersion) || errs.Is(err, errs.ErrBundleNotFound) {
			return reg, nil
		}
		reg.Close()
		return nil, err
	}

	prevReg, err := assets.Open(filepath.Join(prev.Dir, assets.RegistryFile))
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("open previous registry: %w", err)
	}
	defer prevReg.Close()

	if err := reg.SeedFrom(ctx, prevReg); err != nil {
		reg.Close()
		return nil, err
	}
	return reg, nil
}

type assetBars struct {
	asset types.Asset
	bars  []types.Bar
}

// write serializes all bars and adjustments through single writers.
func (r *run) write(ctx context.Context, reg *assets.Registry, results []*assetBars) error {
	opts := parquet.Options{
		Compression:      parquet.ParseCompressionType(r.pipeline.cfg.Parquet.Compression),
		CompressionLevel: r.pipeline.cfg.Parquet.CompressionLevel,
	}

	bw, err := barstore.NewWriter(filepath.Join(r.version.Dir, parquet.BarsFile), opts)
	if err != nil {
		return err
	}
	for _, ab := range results {
		if err := ctx.Err(); err != nil {
			bw.Close()
			return err
		}
		if err := bw.Write(ab.bars); err != nil {
			bw.Close()
			return err
		}
	}
	if err := bw.Close(); err != nil {
		return err
	}
	r.man.BarsWritten = bw.RowCount()

	aw, err := adjust.NewWriter(filepath.Join(r.version.Dir, parquet.AdjustmentsFile), opts)
	if err != nil {
		return err
	}
	adjs, err := r.resolveAdjustments(ctx, reg)
	if err != nil {
		aw.Close()
		return err
	}
	if err := aw.Write(adjs); err != nil {
		aw.Close()
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	r.man.AdjustmentsWritten = aw.RowCount()

	return nil
}

// resolveAdjustments maps symbol-keyed corporate actions onto this run's
// asset ids. An adjustment for a symbol absent from the registry fails
// the run: every adjustment must reference an ingested asset.
func (r *run) resolveAdjustments(ctx context.Context, reg *assets.Registry) ([]types.Adjustment, error) {
	out := make([]types.Adjustment, 0, len(r.req.Adjustments))
	for _, sa := range r.req.Adjustments {
		asset, err := reg.Resolve(ctx, sa.Symbol, sa.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("adjustment for %s: %w", sa.Symbol, err)
		}

		out = append(out, types.Adjustment{
			AssetID:         asset.ID,
			Kind:            sa.Kind,
			Value:           sa.Value,
			EffectiveDateMs: calendar.Midnight(sa.EffectiveDate).UnixMilli(),
			ApplyDateMs:     calendar.Midnight(sa.ApplyDate).UnixMilli(),
		})
	}
	return out, nil
}

// observedRange returns the earliest and latest record dates.
func observedRange(records []types.RawRecord) (time.Time, time.Time) {
	first, last := records[0].Date, records[0].Date
	for _, rec := range records[1:] {
		if rec.Date.Before(first) {
			first = rec.Date
		}
		if rec.Date.After(last) {
			last = rec.Date
		}
	}
	return calendar.Midnight(first), calendar.Midnight(last)
}
