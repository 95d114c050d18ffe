package detect

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/velocity"
)

// minShellTransactions is the lowest total count of a pass-through account.
const minShellTransactions = 2

// ShellDetector finds chains of low-activity intermediary accounts.
type ShellDetector struct {
	MinHops           int
	MaxTransactions   int
	MaxDepth          int
	MerchantThreshold int
	VelocityThreshold time.Duration
}

// Detect seeds a search at every plausible origin account. An account that
// receives from only a handful of transfers is a shell itself and is not a seed.
func (d ShellDetector) Detect(ctx context.Context, g *graph.TransactionGraph) ([]ShellChain, error) {
	s := &shellSearch{
		d:    d,
		g:    g,
		seen: make(map[string]struct{}),
	}

	for _, start := range g.Accounts() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.IsMerchantAt(start, d.MerchantThreshold) || g.IsPayrollAccount(start) {
			continue
		}
		stats, ok := g.AccountStats(start)
		if !ok {
			continue
		}
		if stats.IncomingCount > 0 && stats.IncomingCount <= d.MaxTransactions {
			continue
		}

		s.path = append(s.path[:0], start)
		s.visit(start)
	}

	return s.chains, nil
}

func (d ShellDetector) isShell(stats domain.AccountStats) bool {
	total := stats.TotalCount()
	return total >= minShellTransactions && total <= d.MaxTransactions
}

type shellSearch struct {
	d      ShellDetector
	g      *graph.TransactionGraph
	path   []string
	seen   map[string]struct{}
	chains []ShellChain
}

func (s *shellSearch) visit(current string) {
	if len(s.path) > s.d.MaxDepth {
		return
	}

	for _, next := range s.g.OutgoingNeighbors(current) {
		if slices.Contains(s.path, next) {
			continue
		}
		if s.g.IsMerchantAt(next, s.d.MerchantThreshold) {
			continue
		}
		stats, ok := s.g.AccountStats(next)
		if !ok {
			continue
		}

		shell := s.d.isShell(stats)
		// non-shell hops are allowed only until the chain reaches its minimum length
		if !shell && len(s.path) < s.d.MinHops-1 {
			continue
		}

		s.path = append(s.path, next)
		if len(s.path) >= s.d.MinHops {
			s.consider()
		}
		if shell {
			s.visit(next)
		}
		s.path = s.path[:len(s.path)-1]
	}
}

// consider validates the current path and records it once.
func (s *shellSearch) consider() {
	key := strings.Join(s.path, keySep)
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}

	shells := s.interiorShells()
	if len(shells) == 0 {
		return
	}

	s.chains = append(s.chains, ShellChain{
		Accounts:     slices.Clone(s.path),
		ShellNodes:   shells,
		HighVelocity: s.highVelocity(),
	})
}

func (s *shellSearch) interiorShells() []string {
	var shells []string
	for _, id := range s.path[1 : len(s.path)-1] {
		stats, ok := s.g.AccountStats(id)
		if ok && s.d.isShell(stats) {
			shells = append(shells, id)
		}
	}
	return shells
}

// highVelocity classifies the transfers along every hop of the chain.
func (s *shellSearch) highVelocity() bool {
	var txs []graph.EdgeTransaction
	for i := 0; i < len(s.path)-1; i++ {
		txs = append(txs, s.g.EdgeTransactions(s.path[i], s.path[i+1])...)
	}
	return velocity.IsHighVelocity(txs, s.d.VelocityThreshold)
}
