package calendar

import (
	"testing"
	"time"
)

func TestWeekday_Sessions(t *testing.T) {
	tests := []struct {
		name     string
		start    time.Time
		end      time.Time
		holidays []time.Time
		expected []time.Time
	}{
		{
			name:  "full week",
			start: Date(2022, 1, 3), // Monday
			end:   Date(2022, 1, 9), // Sunday
			expected: []time.Time{
				Date(2022, 1, 3),
				Date(2022, 1, 4),
				Date(2022, 1, 5),
				Date(2022, 1, 6),
				Date(2022, 1, 7),
			},
		},
		{
			name:     "holiday removed",
			start:    Date(2022, 1, 3),
			end:      Date(2022, 1, 5),
			holidays: []time.Time{Date(2022, 1, 4)},
			expected: []time.Time{
				Date(2022, 1, 3),
				Date(2022, 1, 5),
			},
		},
		{
			name:     "weekend only",
			start:    Date(2022, 1, 8),
			end:      Date(2022, 1, 9),
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWeekday("TEST", tt.holidays...)
			got := c.Sessions(tt.start, tt.end)

			if len(got) != len(tt.expected) {
				t.Fatalf("expected %d sessions, got %d", len(tt.expected), len(got))
			}
			for i := range got {
				if !got[i].Equal(tt.expected[i]) {
					t.Errorf("session %d: expected %v, got %v", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestSessions_Index(t *testing.T) {
	c := NewWeekday("TEST")
	seq, err := NewSessions(c.Sessions(Date(2022, 1, 3), Date(2022, 1, 14)))
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}

	if seq.Len() != 10 {
		t.Fatalf("expected 10 sessions, got %d", seq.Len())
	}

	i, ok := seq.Index(Date(2022, 1, 5))
	if !ok || i != 2 {
		t.Errorf("expected index 2, got %d (ok=%v)", i, ok)
	}

	if _, ok := seq.Index(Date(2022, 1, 8)); ok {
		t.Error("Saturday should not be a session")
	}

	// Non-midnight input is normalized before lookup.
	if !seq.Contains(time.Date(2022, 1, 5, 15, 30, 0, 0, time.UTC)) {
		t.Error("intraday timestamp should resolve to its session")
	}
}

func TestSessions_RejectsUnordered(t *testing.T) {
	_, err := NewSessions([]time.Time{
		Date(2022, 1, 4),
		Date(2022, 1, 3),
	})
	if err == nil {
		t.Fatal("expected error for descending sessions")
	}

	_, err = NewSessions([]time.Time{
		Date(2022, 1, 3),
		Date(2022, 1, 3),
	})
	if err == nil {
		t.Fatal("expected error for duplicate sessions")
	}
}

func TestSessions_Clip(t *testing.T) {
	c := NewWeekday("TEST")
	seq, _ := NewSessions(c.Sessions(Date(2022, 1, 3), Date(2022, 1, 14)))

	clipped := seq.Clip(Date(2022, 1, 5), Date(2022, 1, 11))
	if clipped.Len() != 5 {
		t.Fatalf("expected 5 sessions, got %d", clipped.Len())
	}
	if !clipped.First().Equal(Date(2022, 1, 5)) {
		t.Errorf("unexpected first session %v", clipped.First())
	}
	if !clipped.Last().Equal(Date(2022, 1, 11)) {
		t.Errorf("unexpected last session %v", clipped.Last())
	}

	// Clip bounds need not themselves be sessions.
	clipped = seq.Clip(Date(2022, 1, 8), Date(2022, 1, 9))
	if clipped.Len() != 0 {
		t.Errorf("expected empty clip, got %d", clipped.Len())
	}
}
