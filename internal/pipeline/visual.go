package pipeline

import (
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

const (
	defaultSubgraphThreshold = 500
	defaultNeighborSample    = 5
)

// visualGraph exports the graph for display. Large graphs are cut down to
// the accounts worth looking at.
func (s *Service) visualGraph(g *graph.TransactionGraph, report domain.Report) *domain.GraphData {
	threshold := s.cfg.SubgraphThreshold
	if threshold <= 0 {
		threshold = defaultSubgraphThreshold
	}
	sample := s.cfg.NeighborSample
	if sample <= 0 {
		sample = defaultNeighborSample
	}

	var data domain.GraphData
	if g.AccountCount() > threshold {
		data = g.Subgraph(relevantAccounts(g, report, sample))
	} else {
		data = g.Export()
	}

	annotate(&data, report.SuspiciousAccounts)
	return &data
}

// relevantAccounts collects suspicious accounts, ring members and a sample of
// each suspicious account's first counterparties in either direction.
func relevantAccounts(g *graph.TransactionGraph, report domain.Report, sample int) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, acc := range report.SuspiciousAccounts {
		add(acc.AccountID)
	}
	for _, ring := range report.FraudRings {
		for _, id := range ring.MemberAccounts {
			add(id)
		}
	}
	for _, acc := range report.SuspiciousAccounts {
		adj := g.Neighbors(acc.AccountID)
		for _, e := range adj.Outgoing[:min(sample, len(adj.Outgoing))] {
			add(e.Counterparty)
		}
		for _, e := range adj.Incoming[:min(sample, len(adj.Incoming))] {
			add(e.Counterparty)
		}
	}
	return out
}

func annotate(data *domain.GraphData, suspicious []domain.SuspiciousAccount) {
	byID := make(map[string]domain.SuspiciousAccount, len(suspicious))
	for _, acc := range suspicious {
		byID[acc.AccountID] = acc
	}
	for i := range data.Nodes {
		node := &data.Nodes[i]
		acc, ok := byID[node.ID]
		if !ok {
			continue
		}
		node.Suspicious = true
		node.Score = acc.SuspicionScore
		node.Patterns = acc.DetectedPatterns
		node.RingID = acc.RingID
	}
}
