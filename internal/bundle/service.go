// Package bundle exposes the store's public surface: ingesting named
// bundles, opening handles on committed versions, and point-in-time reads
// that apply corporate actions at query time.
package bundle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/qfoundry/bundlestore/internal/config"
	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"

	"github.com/qfoundry/bundlestore/internal/bundle/adjust"
	"github.com/qfoundry/bundlestore/internal/bundle/assets"
	"github.com/qfoundry/bundlestore/internal/bundle/barstore"
	"github.com/qfoundry/bundlestore/internal/bundle/ingest"
	"github.com/qfoundry/bundlestore/internal/bundle/manifest"
	"github.com/qfoundry/bundlestore/internal/bundle/parquet"
	"github.com/qfoundry/bundlestore/internal/bundle/source"
	"github.com/qfoundry/bundlestore/internal/bundle/types"
	"github.com/qfoundry/bundlestore/internal/bundle/version"
	"github.com/qfoundry/bundlestore/internal/calendar"
)

// Service is the façade over the bundle store.
type Service struct {
	cfg      *config.Config
	mgr      *version.Manager
	pipeline *ingest.Pipeline
}

// NewService creates a service rooted at the configured data directory.
func NewService(cfg *config.Config, adapter source.Adapter, cal calendar.Calendar) (*Service, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	mgr := version.NewManager(cfg.BundlesDir())
	return &Service{
		cfg:      cfg,
		mgr:      mgr,
		pipeline: ingest.NewPipeline(cfg, adapter, cal, mgr),
	}, nil
}

// Ingest runs one ingestion for a bundle.
func (s *Service) Ingest(ctx context.Context, req ingest.Request) (*manifest.Manifest, error) {
	return s.pipeline.Run(ctx, req)
}

// Retain prunes a bundle's old versions per the retention config.
func (s *Service) Retain(bundle string) error {
	return s.mgr.Retain(bundle, s.cfg.Retention.KeepLastNVersions)
}

// Versions lists a bundle's on-disk versions.
func (s *Service) Versions(bundle string) ([]version.Version, error) {
	return s.mgr.Versions(bundle)
}

// OpenIngestion opens a read handle on a bundle version. An empty
// versionID selects the newest committed version. The handle pins the
// version against retention until released.
func (s *Service) OpenIngestion(bundle, versionID string) (*Handle, error) {
	vh, err := s.mgr.Open(bundle, versionID)
	if err != nil {
		return nil, err
	}

	store, err := barstore.Open(filepath.Join(vh.Dir(), parquet.BarsFile))
	if err != nil {
		vh.Release()
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreCorrupt, err)
	}

	table, err := adjust.Load(filepath.Join(vh.Dir(), parquet.AdjustmentsFile))
	if err != nil {
		store.Close()
		vh.Release()
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreCorrupt, err)
	}

	reg, err := assets.Open(filepath.Join(vh.Dir(), assets.RegistryFile))
	if err != nil {
		store.Close()
		vh.Release()
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreCorrupt, err)
	}

	logging.Component("bundle").Debug("opened version",
		"bundle", bundle, "version", vh.Version().ID)

	return &Handle{vh: vh, store: store, table: table, reg: reg}, nil
}

// ReadBars returns adjusted bars for the assets over [start, end], seen
// as of the given date. Only adjustments known by asOf contribute; raw
// stored values are never modified. columns optionally projects a subset
// of the value columns.
func (s *Service) ReadBars(ctx context.Context, h *Handle, assetIDs []int64, start, end, asOf time.Time, columns ...string) ([]types.Bar, error) {
	if h.Released() {
		return nil, errs.ErrHandleReleased
	}

	var proj []string
	if len(columns) > 0 {
		proj = columns
	}

	raw, err := h.store.ReadRange(ctx, assetIDs, start, end, proj)
	if err != nil {
		return nil, err
	}
	return h.table.Apply(raw, asOf), nil
}

// LookupAsset resolves a symbol at a date within the handle's version.
func (s *Service) LookupAsset(ctx context.Context, h *Handle, symbol string, asOf time.Time) (types.Asset, error) {
	if h.Released() {
		return types.Asset{}, errs.ErrHandleReleased
	}
	return h.reg.Resolve(ctx, symbol, asOf)
}

// Handle is a read lease on one committed version. All reads through a
// handle see a single consistent version even while newer ingestions
// commit or retention prunes siblings.
type Handle struct {
	vh    *version.Handle
	store *barstore.Store
	table *adjust.Table
	reg   *assets.Registry

	releaseOnce sync.Once
}

// Version returns the pinned version id.
func (h *Handle) Version() string {
	return h.vh.Version().ID
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	return h.vh.Released()
}

// Release closes the handle's stores and unpins the version. Safe to call
// more than once and from concurrent callers.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.store.Close()
		h.reg.Close()
		h.vh.Release()
	})
}
