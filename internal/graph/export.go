package graph

import (
	"github.com/opensource-finance/ringwatch/internal/domain"
)

// Export returns the whole graph with parallel edges collapsed per ordered pair.
func (g *TransactionGraph) Export() domain.GraphData {
	nodes := make([]domain.GraphNode, 0, len(g.accounts))
	for _, id := range g.accounts {
		nodes = append(nodes, g.graphNode(id))
	}

	edges := make([]domain.GraphEdge, 0, len(g.edgeOrder))
	for _, key := range g.edgeOrder {
		edges = append(edges, g.graphEdge(key))
	}

	return domain.GraphData{
		Nodes:      nodes,
		Edges:      edges,
		TotalNodes: len(g.accounts),
	}
}

// Subgraph restricts the export to the given accounts. Unknown ids are
// skipped and an edge is kept only when both endpoints are in the set.
func (g *TransactionGraph) Subgraph(accountIDs []string) domain.GraphData {
	set := make(map[string]struct{}, len(accountIDs))
	nodes := make([]domain.GraphNode, 0, len(accountIDs))
	for _, id := range accountIDs {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		if _, ok := g.nodes[id]; ok {
			nodes = append(nodes, g.graphNode(id))
		}
	}

	var edges []domain.GraphEdge
	for _, key := range g.edgeOrder {
		_, okS := set[key.sender]
		_, okR := set[key.receiver]
		if okS && okR {
			edges = append(edges, g.graphEdge(key))
		}
	}
	if edges == nil {
		edges = []domain.GraphEdge{}
	}

	return domain.GraphData{
		Nodes:      nodes,
		Edges:      edges,
		TotalNodes: len(g.accounts),
		IsFiltered: true,
	}
}

func (g *TransactionGraph) graphNode(id string) domain.GraphNode {
	s := g.nodes[id].stats
	return domain.GraphNode{
		ID:            id,
		OutgoingCount: s.OutgoingCount,
		IncomingCount: s.IncomingCount,
		TotalSent:     s.TotalSent,
		TotalReceived: s.TotalReceived,
		Patterns:      []string{},
	}
}

func (g *TransactionGraph) graphEdge(key pair) domain.GraphEdge {
	txs := g.edges[key]
	edge := domain.GraphEdge{
		Source:           key.sender,
		Target:           key.receiver,
		TransactionCount: len(txs),
	}
	for i, tx := range txs {
		edge.Amount += tx.Amount
		if i == 0 || tx.Timestamp.After(edge.Timestamp) {
			edge.Timestamp = tx.Timestamp
		}
	}
	return edge
}
