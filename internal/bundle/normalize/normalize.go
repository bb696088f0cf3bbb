// Package normalize aligns raw provider records to a session calendar and
// an asset's validity window. The output is a gap-free bar sequence per
// asset: short gaps are forward-filled and flagged, long gaps stay absent,
// and assets missing too much of their window are rejected.
package normalize

import (
	"fmt"
	"sort"
	"time"

	errs "github.com/qfoundry/bundlestore/internal/errors"
	"github.com/qfoundry/bundlestore/internal/logging"

	"github.com/qfoundry/bundlestore/internal/bundle/types"
	"github.com/qfoundry/bundlestore/internal/calendar"
)

// Policy controls gap handling during normalization.
type Policy struct {
	// ForwardFillDays is the largest session gap that gets filled by
	// carrying the prior close. Longer gaps remain absent.
	ForwardFillDays int

	// MaxMissingFraction rejects an asset when the fraction of its
	// expected sessions without data (after filling) exceeds it.
	MaxMissingFraction float64
}

// Result summarizes one asset's normalization.
type Result struct {
	Bars     []types.Bar
	Filled   int
	Missing  int
	Expected int
}

// Asset reindexes one asset's raw records onto the calendar sessions
// within its validity window.
//
// Records outside the window are dropped. A session gap of at most
// ForwardFillDays is filled with the prior close at zero volume; bars so
// produced carry the Filled flag. The first expected sessions before any
// record exist cannot be filled and count as missing.
func Asset(asset types.Asset, records []types.RawRecord, cal calendar.Calendar, pol Policy) (*Result, error) {
	log := logging.Component("normalize").With("asset", asset.ID, "symbol", asset.Symbol)

	days := cal.Sessions(asset.StartDate, asset.EndDate)
	if len(days) == 0 {
		return nil, fmt.Errorf("%w: asset %d window %s..%s",
			errs.ErrNoSessions, asset.ID,
			asset.StartDate.Format("2006-01-02"), asset.EndDate.Format("2006-01-02"))
	}
	sessions, err := calendar.NewSessions(days)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", cal.Name(), err)
	}

	byDate, dropped := indexRecords(asset, records, sessions)
	if dropped > 0 {
		log.Debug("dropped records outside window or calendar", "count", dropped)
	}

	res := &Result{Expected: sessions.Len()}

	var last *types.RawRecord
	for i := 0; i < sessions.Len(); {
		day := sessions.At(i)

		if rec, ok := byDate[day.UnixMilli()]; ok {
			res.Bars = append(res.Bars, recordToBar(asset.ID, day, rec))
			last = rec
			i++
			continue
		}

		// Measure the whole run of absent sessions. Only a run short
		// enough to fill in full gets filled at all; a longer outage
		// stays absent rather than fading into synthetic data.
		j := i
		for j < sessions.Len() {
			if _, ok := byDate[sessions.At(j).UnixMilli()]; ok {
				break
			}
			j++
		}
		run := j - i

		if last != nil && run <= pol.ForwardFillDays {
			for ; i < j; i++ {
				res.Bars = append(res.Bars, filledBar(asset.ID, sessions.At(i), last))
				res.Filled++
			}
		} else {
			res.Missing += run
			i = j
		}
	}

	if res.Expected > 0 {
		frac := float64(res.Missing) / float64(res.Expected)
		if frac > pol.MaxMissingFraction {
			return nil, fmt.Errorf("%w: asset %d missing %d of %d sessions (%.0f%%)",
				errs.ErrTooManyMissing, asset.ID, res.Missing, res.Expected, frac*100)
		}
	}

	return res, nil
}

// indexRecords maps records to their session, dropping those outside the
// asset window or not on the calendar. Duplicate dates keep the last
// record, matching provider restatements arriving later in the feed.
func indexRecords(asset types.Asset, records []types.RawRecord, sessions *calendar.Sessions) (map[int64]*types.RawRecord, int) {
	byDate := make(map[int64]*types.RawRecord, len(records))
	dropped := 0

	// Stable date order so "last record wins" is deterministic.
	sorted := make([]types.RawRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	for i := range sorted {
		day := calendar.Midnight(sorted[i].Date)
		if !asset.ValidAt(day) || !sessions.Contains(day) {
			dropped++
			continue
		}
		byDate[day.UnixMilli()] = &sorted[i]
	}
	return byDate, dropped
}

func recordToBar(assetID int64, day time.Time, rec *types.RawRecord) types.Bar {
	return types.Bar{
		AssetID:   assetID,
		SessionMs: day.UnixMilli(),
		Open:      rec.Open,
		High:      rec.High,
		Low:       rec.Low,
		Close:     rec.Close,
		Volume:    rec.Volume,
	}
}

// filledBar carries the prior close across a short gap at zero volume.
func filledBar(assetID int64, day time.Time, last *types.RawRecord) types.Bar {
	return types.Bar{
		AssetID:   assetID,
		SessionMs: day.UnixMilli(),
		Open:      last.Close,
		High:      last.Close,
		Low:       last.Close,
		Close:     last.Close,
		Volume:    0,
		Filled:    true,
	}
}
