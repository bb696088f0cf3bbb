package types

import (
	"testing"
	"time"
)

func TestBar_SessionTime(t *testing.T) {
	session := time.Date(2022, 1, 4, 0, 0, 0, 0, time.UTC)
	b := Bar{AssetID: 1, SessionMs: session.UnixMilli()}

	if !b.SessionTime().Equal(session) {
		t.Errorf("expected %v, got %v", session, b.SessionTime())
	}
}

func TestAdjustmentKind_RoundTrip(t *testing.T) {
	for _, k := range []AdjustmentKind{AdjustMultiply, AdjustAdd, AdjustOverwrite} {
		parsed, err := ParseAdjustmentKind(k.String())
		if err != nil {
			t.Fatalf("parse %q: %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("round trip %v: got %v", k, parsed)
		}
	}

	if _, err := ParseAdjustmentKind("bogus"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestAsset_ValidAt(t *testing.T) {
	a := Asset{
		ID:        7,
		Symbol:    "AAPL",
		StartDate: time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2022, 1, 7, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		date  time.Time
		valid bool
	}{
		{time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC), false},
		{time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2022, 1, 7, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		if got := a.ValidAt(tt.date); got != tt.valid {
			t.Errorf("ValidAt(%s): expected %v, got %v",
				tt.date.Format("2006-01-02"), tt.valid, got)
		}
	}
}

func TestIngestState_Transitions(t *testing.T) {
	tests := []struct {
		from    IngestState
		to      IngestState
		allowed bool
	}{
		{StatePending, StateFetching, true},
		{StateFetching, StateNormalizing, true},
		{StateNormalizing, StateWriting, true},
		{StateWriting, StateCommitted, true},
		{StatePending, StateFailed, true},
		{StateWriting, StateFailed, true},
		{StatePending, StateNormalizing, false},
		{StateFetching, StateCommitted, false},
		{StateCommitted, StateFailed, false},
		{StateFailed, StateFetching, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%v -> %v: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestIngestState_RoundTrip(t *testing.T) {
	states := []IngestState{
		StatePending, StateFetching, StateNormalizing,
		StateWriting, StateCommitted, StateFailed,
	}
	for _, s := range states {
		parsed, err := ParseIngestState(s.String())
		if err != nil {
			t.Fatalf("parse %q: %v", s.String(), err)
		}
		if parsed != s {
			t.Errorf("round trip %v: got %v", s, parsed)
		}
	}
}
