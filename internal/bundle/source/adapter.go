// Package source defines the provider-facing adapter contract and the two
// built-in adapters: an HTTP API client and a local CSV directory reader.
// Adapters produce raw records; alignment to the session calendar happens
// downstream in the normalizer.
package source

import (
	"context"
	"time"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
)

// Adapter fetches raw daily records from a data provider.
type Adapter interface {
	// Name identifies the adapter in logs and manifests.
	Name() string

	// Fetch retrieves records for the symbols over [start, end]. A
	// provider that stopped publishing clamps the range to its last good
	// date and reports a warning rather than failing.
	Fetch(ctx context.Context, symbols []string, start, end time.Time) (*FetchResult, error)
}

// FetchResult carries the records of one fetch plus any non-fatal
// provider conditions the ingestion manifest should surface.
type FetchResult struct {
	Records  []types.RawRecord
	Warnings []string
}
