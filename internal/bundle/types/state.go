package types

import "fmt"

// IngestState is the state of an ingestion pipeline run.
type IngestState int

const (
	// StatePending is the initial state before any work starts.
	StatePending IngestState = iota
	// StateFetching covers source adapter calls.
	StateFetching
	// StateNormalizing covers calendar alignment and validation.
	StateNormalizing
	// StateWriting covers bar store, adjustment table and registry writes.
	StateWriting
	// StateCommitted is terminal: the version is visible to readers.
	StateCommitted
	// StateFailed is terminal: the version is never visible to readers.
	StateFailed
)

// String returns the state name as persisted in manifests.
func (s IngestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ParseIngestState parses a manifest state name.
func ParseIngestState(s string) (IngestState, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "fetching":
		return StateFetching, nil
	case "normalizing":
		return StateNormalizing, nil
	case "writing":
		return StateWriting, nil
	case "committed":
		return StateCommitted, nil
	case "failed":
		return StateFailed, nil
	default:
		return StateFailed, fmt.Errorf("unknown ingest state: %s", s)
	}
}

// Terminal reports whether the state admits no further transitions.
func (s IngestState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// CanTransition reports whether a transition from s to next is legal.
// Failed is reachable from every non-terminal state; the happy path is
// strictly Pending → Fetching → Normalizing → Writing → Committed.
func (s IngestState) CanTransition(next IngestState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return next == s+1
}
