package velocity

import (
	"math"
	"testing"
	"time"
)

type event struct {
	id string
	at time.Time
}

func (e event) When() time.Time { return e.at }

var t0 = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

func at(id string, hours float64) event {
	return event{id: id, at: t0.Add(time.Duration(hours * float64(time.Hour)))}
}

func TestSlidingWindow(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		res := SlidingWindow([]event{}, DefaultWindow)
		if res.MaxCount != 0 {
			t.Errorf("expected max count 0, got %d", res.MaxCount)
		}
		if res.MaxWindow != nil {
			t.Error("expected no max window")
		}
		if len(res.Windows) != 0 {
			t.Errorf("expected no windows, got %d", len(res.Windows))
		}
	})

	t.Run("DensestForwardWindow", func(t *testing.T) {
		items := []event{
			at("late", 200),
			at("a", 0),
			at("b", 10),
			at("c", 72),
			at("d", 73),
			at("e", 100),
		}
		res := SlidingWindow(items, 72*time.Hour)

		// [0,72] holds a, b, c; [10,82] holds b, c, d; first one wins the tie
		if res.MaxCount != 3 {
			t.Fatalf("expected max count 3, got %d", res.MaxCount)
		}
		if !res.MaxWindow.Start.Equal(t0) {
			t.Errorf("expected earliest window to win the tie, got start %v", res.MaxWindow.Start)
		}
		if got := res.MaxWindow.Items; len(got) != 3 || got[0].id != "a" || got[2].id != "c" {
			t.Errorf("expected items a..c, got %v", got)
		}
		if len(res.Windows) != len(items) {
			t.Errorf("expected one window per item, got %d", len(res.Windows))
		}
		if res.Windows[len(res.Windows)-1].Count != 1 {
			t.Errorf("expected the last window to hold one item, got %d", res.Windows[len(res.Windows)-1].Count)
		}
	})

	t.Run("EqualTimestampsCountTogether", func(t *testing.T) {
		items := []event{at("a", 5), at("b", 5), at("c", 5), at("d", 6)}
		res := SlidingWindow(items, time.Hour)

		for i, w := range res.Windows {
			want := 4
			if i == 3 {
				want = 1
			}
			if w.Count != want {
				t.Errorf("window %d: expected %d, got %d", i, want, w.Count)
			}
		}
	})

	t.Run("DoesNotMutateInput", func(t *testing.T) {
		items := []event{at("b", 2), at("a", 1)}
		SlidingWindow(items, time.Hour)
		if items[0].id != "b" {
			t.Error("expected input order to be preserved")
		}
	})

	t.Run("MatchesBruteForce", func(t *testing.T) {
		hours := []float64{0, 1, 1, 3, 7, 7, 7, 8, 20, 21, 22, 40, 41, 90}
		var items []event
		for i, h := range hours {
			items = append(items, at(string(rune('a'+i)), h))
		}
		window := 6 * time.Hour
		res := SlidingWindow(items, window)

		for i, w := range res.Windows {
			count := 0
			for _, it := range items {
				if !it.at.Before(w.Start) && !it.at.After(w.Start.Add(window)) {
					count++
				}
			}
			if count != w.Count {
				t.Errorf("window %d: expected %d, got %d", i, count, w.Count)
			}
		}
	})
}

func TestIsHighVelocity(t *testing.T) {
	tests := []struct {
		name  string
		items []event
		want  bool
	}{
		{"single item", []event{at("a", 0)}, false},
		{"two items", []event{at("a", 0), at("b", 1)}, false},
		{"three within a day", []event{at("a", 0), at("b", 5), at("c", 24)}, true},
		{"three over a day", []event{at("a", 0), at("b", 5), at("c", 25)}, false},
		{"unsorted input", []event{at("c", 20), at("a", 0), at("b", 5)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHighVelocity(tt.items, DefaultVelocityThreshold); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCalculateVelocity(t *testing.T) {
	if v := CalculateVelocity([]event{at("a", 0)}); v != 0 {
		t.Errorf("expected 0 for a single item, got %v", v)
	}
	if v := CalculateVelocity([]event{at("a", 3), at("b", 3), at("c", 3)}); v != 3 {
		t.Errorf("expected item count for zero span, got %v", v)
	}
	if v := CalculateVelocity([]event{at("a", 0), at("b", 1), at("c", 2), at("d", 4)}); math.Abs(v-1) > 1e-9 {
		t.Errorf("expected 1 per hour, got %v", v)
	}
}

func TestGroupByWindow(t *testing.T) {
	if groups := GroupByWindow([]event{}, time.Hour); groups != nil {
		t.Errorf("expected nil for empty input, got %v", groups)
	}

	groups := GroupByWindow([]event{at("a", 0), at("b", 2), at("c", 3), at("d", 10), at("e", 11)}, 3*time.Hour)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0]) != 3 || len(groups[1]) != 2 {
		t.Errorf("expected sizes 3 and 2, got %d and %d", len(groups[0]), len(groups[1]))
	}
}
