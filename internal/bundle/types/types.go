package types

import (
	"fmt"
	"time"
)

// Bar represents one daily OHLCV observation for an asset.
// This is the primary data unit flowing through the storage system.
// The (AssetID, SessionMs) pair is the primary key: no duplicates are
// permitted within an ingestion, and raw values are immutable once written.
type Bar struct {
	// Identity
	AssetID   int64 // Stable asset identifier from the registry
	SessionMs int64 // Session date as Unix milliseconds at UTC midnight

	// Prices. Non-negative.
	Open  float64
	High  float64
	Low   float64
	Close float64

	// Volume. Non-negative.
	Volume int64

	// Filled marks a forward-filled row: the close was carried from the
	// prior session and the volume zeroed. Distinguishes policy fills
	// from real zero-volume days.
	Filled bool
}

// SessionTime returns the session as a time.Time.
func (b *Bar) SessionTime() time.Time {
	return time.UnixMilli(b.SessionMs).UTC()
}

// Key returns the unique identity of this bar.
func (b *Bar) Key() BarKey {
	return BarKey{AssetID: b.AssetID, SessionMs: b.SessionMs}
}

// BarKey identifies a bar within an ingestion.
type BarKey struct {
	AssetID   int64
	SessionMs int64
}

// AdjustmentKind indicates how an adjustment modifies prior bars.
type AdjustmentKind int

const (
	// AdjustMultiply scales prices by Value and divides volume by it.
	// A 2-for-1 split carries Value 0.5.
	AdjustMultiply AdjustmentKind = iota
	// AdjustAdd shifts prices by Value; volume is unchanged.
	AdjustAdd
	// AdjustOverwrite replaces the composed price with Value, discarding
	// the effect of earlier adjustments.
	AdjustOverwrite
)

// String returns a human-readable representation of the kind.
func (k AdjustmentKind) String() string {
	switch k {
	case AdjustMultiply:
		return "multiply"
	case AdjustAdd:
		return "add"
	case AdjustOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ParseAdjustmentKind parses a string into an AdjustmentKind.
func ParseAdjustmentKind(s string) (AdjustmentKind, error) {
	switch s {
	case "multiply":
		return AdjustMultiply, nil
	case "add":
		return AdjustAdd, nil
	case "overwrite":
		return AdjustOverwrite, nil
	default:
		return AdjustMultiply, fmt.Errorf("unknown adjustment kind: %s", s)
	}
}

// Adjustment is a deferred correction (split, dividend, restatement) that
// applies to all bars with session earlier than ApplyDateMs, and only for
// reads "as of" ApplyDateMs or later. Raw bars are never rewritten.
type Adjustment struct {
	AssetID int64
	Kind    AdjustmentKind
	Value   float64

	// EffectiveDateMs is the session the corporate action took effect.
	EffectiveDateMs int64

	// ApplyDateMs is the session the correction became known. Reads
	// "as of" an earlier date must not see it.
	ApplyDateMs int64
}

// EffectiveDate returns the effective date as a time.Time.
func (a *Adjustment) EffectiveDate() time.Time {
	return time.UnixMilli(a.EffectiveDateMs).UTC()
}

// ApplyDate returns the apply date as a time.Time.
func (a *Adjustment) ApplyDate() time.Time {
	return time.UnixMilli(a.ApplyDateMs).UTC()
}

// Asset maps a symbol to a stable integer identifier over a validity
// window. Ids are unique and never reused; a symbol may belong to
// different assets across disjoint windows (rename, relisting).
type Asset struct {
	ID        int64
	Symbol    string
	StartDate time.Time
	EndDate   time.Time
}

// ValidAt reports whether the asset's validity window covers t.
func (a *Asset) ValidAt(t time.Time) bool {
	return !t.Before(a.StartDate) && !t.After(a.EndDate)
}

// RawRecord is the canonical intermediate shape produced by source
// adapters before normalization. Dates are provider dates, not yet
// aligned to the session calendar.
type RawRecord struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}
