package detect

import (
	"context"
	"slices"

	"github.com/opensource-finance/ringwatch/internal/graph"
)

// CycleDetector finds directed loops of MinLength to MaxLength accounts.
type CycleDetector struct {
	MinLength         int
	MaxLength         int
	MerchantThreshold int
}

// Detect searches from every account that is neither merchant nor payroll.
// Rotations of the same loop are reported once.
func (d CycleDetector) Detect(ctx context.Context, g *graph.TransactionGraph) ([]Cycle, error) {
	s := &cycleSearch{
		d:    d,
		g:    g,
		seen: make(map[string]struct{}),
		path: make([]string, 0, d.MaxLength+1),
	}

	for _, start := range g.Accounts() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.IsMerchantAt(start, d.MerchantThreshold) || g.IsPayrollAccount(start) {
			continue
		}
		s.start = start
		s.path = append(s.path[:0], start)
		s.visit(start)
	}

	return s.cycles, nil
}

type cycleSearch struct {
	d      CycleDetector
	g      *graph.TransactionGraph
	start  string
	path   []string
	seen   map[string]struct{}
	cycles []Cycle
}

func (s *cycleSearch) visit(current string) {
	if len(s.path) > s.d.MaxLength+1 {
		return
	}

	for _, next := range s.g.OutgoingNeighbors(current) {
		if next == s.start && len(s.path) >= s.d.MinLength && len(s.path) <= s.d.MaxLength {
			s.record()
			continue
		}
		if slices.Contains(s.path, next) {
			continue
		}
		if len(s.path) >= s.d.MaxLength {
			continue
		}
		// merchants break the loop
		if s.g.IsMerchantAt(next, s.d.MerchantThreshold) {
			continue
		}

		s.path = append(s.path, next)
		s.visit(next)
		s.path = s.path[:len(s.path)-1]
	}
}

func (s *cycleSearch) record() {
	key := cycleKey(s.path)
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.cycles = append(s.cycles, Cycle{Accounts: slices.Clone(s.path)})
}
