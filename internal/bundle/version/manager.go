// Package version manages the committed ingestion versions of each bundle
// and the scoped handles readers hold on them. Every ingestion lands in a
// fresh timestamped directory; the newest committed one is "current", and
// retention prunes the rest without pulling a version out from under a
// live reader.
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"

	"github.com/qfoundry/bundlestore/internal/bundle/manifest"
)

// versionIDLayout names version directories by creation time, filesystem
// safe and lexically sortable.
const versionIDLayout = "20060102T150405.000000000"

// Version describes one ingestion version on disk.
type Version struct {
	Bundle    string
	ID        string
	Dir       string
	Committed bool
}

// Manager tracks versions under a bundles root directory.
type Manager struct {
	root string

	mu     sync.Mutex
	inUse  map[string]int // bundle/id -> live handle count
	lastID string
}

// NewManager creates a manager over the bundles root directory.
func NewManager(root string) *Manager {
	return &Manager{
		root:  root,
		inUse: make(map[string]int),
	}
}

// BundleDir returns a bundle's directory.
func (m *Manager) BundleDir(bundle string) string {
	return filepath.Join(m.root, bundle)
}

// CreateVersion allocates a fresh version directory for an ingestion.
func (m *Manager) CreateVersion(bundle string) (Version, error) {
	m.mu.Lock()
	id := time.Now().UTC().Format(versionIDLayout)
	// Directory names must be unique even within one clock tick.
	if id <= m.lastID {
		id = m.lastID + "x"
	}
	m.lastID = id
	m.mu.Unlock()

	dir := filepath.Join(m.BundleDir(bundle), id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Version{}, fmt.Errorf("create version dir: %w", err)
	}

	return Version{Bundle: bundle, ID: id, Dir: dir}, nil
}

// Versions lists a bundle's versions in ascending id order.
func (m *Manager) Versions(bundle string) ([]Version, error) {
	entries, err := os.ReadDir(m.BundleDir(bundle))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", errs.ErrBundleNotFound, bundle)
	}
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	var out []Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		v := Version{
			Bundle: bundle,
			ID:     e.Name(),
			Dir:    filepath.Join(m.BundleDir(bundle), e.Name()),
		}
		if man, err := manifest.Load(v.Dir); err == nil {
			v.Committed = man.Committed()
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Current returns the bundle's newest committed version.
func (m *Manager) Current(bundle string) (Version, error) {
	versions, err := m.Versions(bundle)
	if err != nil {
		return Version{}, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Committed {
			return versions[i], nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s", errs.ErrNoCommittedVersion, bundle)
}

// Open returns a handle on a version. An empty versionID selects the
// current committed version. The handle pins the version against
// retention until released.
func (m *Manager) Open(bundle, versionID string) (*Handle, error) {
	var v Version
	var err error

	if versionID == "" {
		v, err = m.Current(bundle)
		if err != nil {
			return nil, err
		}
	} else {
		versions, verr := m.Versions(bundle)
		if verr != nil {
			return nil, verr
		}
		found := false
		for _, cand := range versions {
			if cand.ID == versionID {
				v, found = cand, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s/%s", errs.ErrVersionNotFound, bundle, versionID)
		}
		if !v.Committed {
			return nil, fmt.Errorf("%w: %s/%s is not committed", errs.ErrVersionNotFound, bundle, versionID)
		}
	}

	m.mu.Lock()
	m.inUse[pinKey(v)]++
	m.mu.Unlock()

	return &Handle{mgr: m, version: v}, nil
}

// Retain prunes a bundle's versions, keeping the newest keepLastN
// committed versions. Versions with live handles are skipped, and a
// directory that cannot be removed is left for the next call.
func (m *Manager) Retain(bundle string, keepLastN int) error {
	log := logging.Component("version").With("bundle", bundle)

	if keepLastN < 1 {
		keepLastN = 1
	}

	versions, err := m.Versions(bundle)
	if err != nil {
		return err
	}

	// Count committed versions from the newest backwards; everything past
	// the keep budget, plus failed leftovers, is a candidate.
	kept := 0
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]

		if v.Committed && kept < keepLastN {
			kept++
			continue
		}

		m.mu.Lock()
		live := m.inUse[pinKey(v)]
		m.mu.Unlock()
		if live > 0 {
			log.Debug("skipping in-use version", "version", v.ID, "handles", live)
			continue
		}

		if err := os.RemoveAll(v.Dir); err != nil {
			log.Warn("could not remove version, will retry next retention pass",
				"version", v.ID, "error", err)
			continue
		}
		log.Info("removed version", "version", v.ID, "committed", v.Committed)
	}

	return nil
}

// Pin protects a version from retention while an ingestion writes its
// directory. The manifest is still non-terminal at that point, so without
// the pin a concurrent Retain would treat the version as a failed
// leftover and remove it.
func (m *Manager) Pin(v Version) {
	m.mu.Lock()
	m.inUse[pinKey(v)]++
	m.mu.Unlock()
}

// Unpin drops a writer's pin.
func (m *Manager) Unpin(v Version) {
	m.mu.Lock()
	key := pinKey(v)
	if m.inUse[key] > 1 {
		m.inUse[key]--
	} else {
		delete(m.inUse, key)
	}
	m.mu.Unlock()
}

func pinKey(v Version) string {
	return v.Bundle + "/" + v.ID
}

// Handle is a reader's lease on one version. Release is idempotent and
// safe for concurrent callers.
type Handle struct {
	mgr     *Manager
	version Version

	mu       sync.Mutex
	released bool
}

// Version returns the pinned version.
func (h *Handle) Version() Version {
	return h.version
}

// Dir returns the pinned version's directory.
func (h *Handle) Dir() string {
	return h.version.Dir
}

// Release drops the lease. Further calls are no-ops.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true

	h.mgr.Unpin(h.version)
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
