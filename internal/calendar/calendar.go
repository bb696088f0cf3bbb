// Package calendar supplies the ordered sequence of valid trading sessions
// for a market. All bundle storage is indexed against it: a session is the
// sole time axis for bars and auxiliary data.
package calendar

import (
	"fmt"
	"time"
)

// Calendar produces trading sessions for a market.
// Implementations must return sessions as UTC-midnight dates in strictly
// ascending order, inclusive of both range endpoints when they are sessions.
type Calendar interface {
	// Name returns the market identifier (e.g., "XNYS").
	Name() string

	// Sessions returns all sessions in [start, end].
	Sessions(start, end time.Time) []time.Time
}

// Midnight truncates t to UTC midnight. Session values throughout the
// system are normalized with this before comparison or storage.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Date returns the UTC-midnight session for a calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Sessions is an immutable, ordered, gap-free session sequence with
// constant-time position lookup.
type Sessions struct {
	days  []time.Time
	index map[int64]int
}

// NewSessions builds a Sessions sequence, validating strict ascending order.
func NewSessions(days []time.Time) (*Sessions, error) {
	s := &Sessions{
		days:  make([]time.Time, len(days)),
		index: make(map[int64]int, len(days)),
	}

	var prev time.Time
	for i, d := range days {
		d = Midnight(d)
		if i > 0 && !d.After(prev) {
			return nil, fmt.Errorf("session %s at position %d is not after %s",
				d.Format("2006-01-02"), i, prev.Format("2006-01-02"))
		}
		s.days[i] = d
		s.index[d.UnixMilli()] = i
		prev = d
	}

	return s, nil
}

// Len returns the number of sessions.
func (s *Sessions) Len() int {
	return len(s.days)
}

// At returns the session at position i.
func (s *Sessions) At(i int) time.Time {
	return s.days[i]
}

// All returns the underlying session slice. Callers must not modify it.
func (s *Sessions) All() []time.Time {
	return s.days
}

// Index returns the position of a session, or false if the date is not a
// session.
func (s *Sessions) Index(t time.Time) (int, bool) {
	i, ok := s.index[Midnight(t).UnixMilli()]
	return i, ok
}

// Contains reports whether t is a session.
func (s *Sessions) Contains(t time.Time) bool {
	_, ok := s.Index(t)
	return ok
}

// Clip returns the sub-sequence of sessions within [start, end].
func (s *Sessions) Clip(start, end time.Time) *Sessions {
	start, end = Midnight(start), Midnight(end)

	lo := 0
	for lo < len(s.days) && s.days[lo].Before(start) {
		lo++
	}
	hi := len(s.days)
	for hi > lo && s.days[hi-1].After(end) {
		hi--
	}

	clipped, _ := NewSessions(s.days[lo:hi])
	return clipped
}

// First returns the earliest session. Panics on an empty sequence.
func (s *Sessions) First() time.Time {
	return s.days[0]
}

// Last returns the latest session. Panics on an empty sequence.
func (s *Sessions) Last() time.Time {
	return s.days[len(s.days)-1]
}

// Weekday is a Monday-through-Friday calendar with an optional holiday set.
// It stands in for a full exchange calendar in tests and simple deployments.
type Weekday struct {
	name     string
	holidays map[int64]bool
}

// NewWeekday creates a weekday calendar for a market.
func NewWeekday(name string, holidays ...time.Time) *Weekday {
	c := &Weekday{
		name:     name,
		holidays: make(map[int64]bool, len(holidays)),
	}
	for _, h := range holidays {
		c.holidays[Midnight(h).UnixMilli()] = true
	}
	return c
}

// Name returns the market identifier.
func (c *Weekday) Name() string {
	return c.name
}

// Sessions returns all weekday non-holiday dates in [start, end].
func (c *Weekday) Sessions(start, end time.Time) []time.Time {
	start, end = Midnight(start), Midnight(end)

	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if c.holidays[d.UnixMilli()] {
			continue
		}
		out = append(out, d)
	}
	return out
}
