// Package velocity provides time-window analysis over timestamped transactions.
package velocity

import (
	"slices"
	"time"
)

// Default window lengths.
const (
	DefaultWindow            = 72 * time.Hour
	DefaultVelocityThreshold = 24 * time.Hour
	highVelocityMinItems     = 3
)

// Timestamped is anything that happened at a point in time.
type Timestamped interface {
	When() time.Time
}

// Window is a forward window anchored at one item's timestamp.
type Window[T Timestamped] struct {
	Start time.Time
	End   time.Time
	Items []T
}

// WindowCount records how many items a window held.
type WindowCount struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// WindowAnalysis is the result of SlidingWindow.
type WindowAnalysis[T Timestamped] struct {
	MaxCount  int
	MaxWindow *Window[T]
	Windows   []WindowCount
}

// sortedCopy orders items by timestamp without touching the caller's slice.
// Equal timestamps keep their input order.
func sortedCopy[T Timestamped](items []T) []T {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		return a.When().Compare(b.When())
	})
	return sorted
}

// SlidingWindow opens a window of the given length at every item's timestamp
// and counts the items in [start, start+window]. The densest window wins,
// with ties going to the earliest start.
func SlidingWindow[T Timestamped](items []T, window time.Duration) WindowAnalysis[T] {
	if len(items) == 0 {
		return WindowAnalysis[T]{}
	}

	sorted := sortedCopy(items)
	result := WindowAnalysis[T]{Windows: make([]WindowCount, 0, len(sorted))}

	lo, hi := 0, 0
	for i := range sorted {
		start := sorted[i].When()
		end := start.Add(window)

		// lo is the first item sharing this timestamp
		if !sorted[lo].When().Equal(start) {
			lo = i
		}
		if hi < i {
			hi = i
		}
		for hi < len(sorted) && !sorted[hi].When().After(end) {
			hi++
		}

		count := hi - lo
		if count > result.MaxCount {
			result.MaxCount = count
			result.MaxWindow = &Window[T]{
				Start: start,
				End:   end,
				Items: sorted[lo:hi:hi],
			}
		}
		result.Windows = append(result.Windows, WindowCount{Start: start, End: end, Count: count})
	}

	return result
}

// span returns the distance between the earliest and latest timestamps.
func span[T Timestamped](items []T) time.Duration {
	first, last := items[0].When(), items[0].When()
	for _, it := range items[1:] {
		ts := it.When()
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	return last.Sub(first)
}

// IsHighVelocity reports at least three items spread over no more than threshold.
func IsHighVelocity[T Timestamped](items []T, threshold time.Duration) bool {
	if len(items) < 2 {
		return false
	}
	return span(items) <= threshold && len(items) >= highVelocityMinItems
}

// CalculateVelocity returns items per hour. A zero span returns the item count.
func CalculateVelocity[T Timestamped](items []T) float64 {
	if len(items) < 2 {
		return 0
	}
	hours := span(items).Hours()
	if hours == 0 {
		return float64(len(items))
	}
	return float64(len(items)) / hours
}

// GroupByWindow splits items into consecutive buckets. A bucket starts at
// its first item and takes every following item within window of it.
func GroupByWindow[T Timestamped](items []T, window time.Duration) [][]T {
	if len(items) == 0 {
		return nil
	}

	sorted := sortedCopy(items)
	var groups [][]T
	current := []T{sorted[0]}
	start := sorted[0].When()

	for _, it := range sorted[1:] {
		if it.When().Sub(start) <= window {
			current = append(current, it)
			continue
		}
		groups = append(groups, current)
		current = []T{it}
		start = it.When()
	}
	return append(groups, current)
}
