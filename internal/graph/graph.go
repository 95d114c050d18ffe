// Package graph builds the directed transaction multigraph every detector
// reads from.
package graph

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// ErrInvalidTransaction is returned by Build when a transaction breaks the
// input contract.
var ErrInvalidTransaction = domain.ErrInvalidTransaction

// DefaultMerchantThreshold is the transaction count above which an account
// may be classified as a merchant.
const DefaultMerchantThreshold = 1000

// Payroll heuristic constants.
const (
	payrollMinOutgoing    = 20
	payrollMaxIncomingPct = 0.1
	payrollMinAmounts     = 5
	payrollMaxCV          = 0.3
	merchantLowRatio      = 0.1
	merchantHighRatio     = 10
)

// Direction tags an adjacency edge as sent or received.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Edge is one transaction seen from one endpoint.
type Edge struct {
	Counterparty  string
	Amount        float64
	Timestamp     time.Time
	TransactionID string
	Direction     Direction
}

// When returns the transaction timestamp.
func (e Edge) When() time.Time { return e.Timestamp }

// Adjacency holds every edge incident to an account, in input order.
type Adjacency struct {
	Outgoing []Edge
	Incoming []Edge
}

// EdgeTransaction is one transaction between an ordered account pair.
type EdgeTransaction struct {
	Amount        float64
	Timestamp     time.Time
	TransactionID string
}

// When returns the transaction timestamp.
func (e EdgeTransaction) When() time.Time { return e.Timestamp }

// Stats describes a built graph.
type Stats struct {
	NodeCount         int `json:"node_count"`
	EdgeCount         int `json:"edge_count"`
	TotalTransactions int `json:"total_transactions"`
}

type pair struct {
	sender   string
	receiver string
}

type node struct {
	adj     Adjacency
	stats   domain.AccountStats
	out     []string
	in      []string
	payroll bool
}

// TransactionGraph is a directed multigraph keyed by account id.
// It is written once by Build and is safe for concurrent reads afterwards.
type TransactionGraph struct {
	accounts  []string
	nodes     map[string]*node
	edges     map[pair][]EdgeTransaction
	edgeOrder []pair
	txCount   int
}

// New returns an empty graph.
func New() *TransactionGraph {
	return &TransactionGraph{
		nodes: make(map[string]*node),
		edges: make(map[pair][]EdgeTransaction),
	}
}

// FromTransactions builds a graph in one call.
func FromTransactions(txs []domain.Transaction) (*TransactionGraph, error) {
	g := New()
	if _, err := g.Build(txs); err != nil {
		return nil, err
	}
	return g, nil
}

// Build replaces the graph contents with the given transactions. Input is
// validated before any state changes, so a failed build leaves the graph empty.
func (g *TransactionGraph) Build(txs []domain.Transaction) (Stats, error) {
	for i := range txs {
		if err := txs[i].Validate(); err != nil {
			return Stats{}, fmt.Errorf("row %d: %w", i+1, err)
		}
	}

	g.reset()

	for _, tx := range txs {
		sender := g.ensure(tx.SenderID)
		receiver := g.ensure(tx.ReceiverID)

		sender.adj.Outgoing = append(sender.adj.Outgoing, Edge{
			Counterparty:  tx.ReceiverID,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
			TransactionID: tx.ID,
			Direction:     Outgoing,
		})
		receiver.adj.Incoming = append(receiver.adj.Incoming, Edge{
			Counterparty:  tx.SenderID,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
			TransactionID: tx.ID,
			Direction:     Incoming,
		})

		sender.stats.OutgoingCount++
		sender.stats.TotalSent += tx.Amount
		receiver.stats.IncomingCount++
		receiver.stats.TotalReceived += tx.Amount

		key := pair{sender: tx.SenderID, receiver: tx.ReceiverID}
		if _, ok := g.edges[key]; !ok {
			g.edgeOrder = append(g.edgeOrder, key)
		}
		g.edges[key] = append(g.edges[key], EdgeTransaction{
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
			TransactionID: tx.ID,
		})
	}
	g.txCount = len(txs)

	for _, n := range g.nodes {
		n.out = uniqueCounterparties(n.adj.Outgoing)
		n.in = uniqueCounterparties(n.adj.Incoming)
		n.payroll = classifyPayroll(n)
	}

	return Stats{
		NodeCount:         len(g.accounts),
		EdgeCount:         len(g.edgeOrder),
		TotalTransactions: g.txCount,
	}, nil
}

func (g *TransactionGraph) reset() {
	g.accounts = nil
	g.nodes = make(map[string]*node)
	g.edges = make(map[pair][]EdgeTransaction)
	g.edgeOrder = nil
	g.txCount = 0
}

func (g *TransactionGraph) ensure(id string) *node {
	n, ok := g.nodes[id]
	if !ok {
		n = &node{}
		g.nodes[id] = n
		g.accounts = append(g.accounts, id)
	}
	return n
}

func uniqueCounterparties(edges []Edge) []string {
	seen := make(map[string]struct{}, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if _, ok := seen[e.Counterparty]; ok {
			continue
		}
		seen[e.Counterparty] = struct{}{}
		out = append(out, e.Counterparty)
	}
	return out
}

// Neighbors returns the raw incident edges of an account. Unknown accounts
// yield an empty adjacency.
func (g *TransactionGraph) Neighbors(account string) Adjacency {
	n, ok := g.nodes[account]
	if !ok {
		return Adjacency{}
	}
	return n.adj
}

// OutgoingNeighbors returns the distinct receivers of an account in first-seen order.
func (g *TransactionGraph) OutgoingNeighbors(account string) []string {
	if n, ok := g.nodes[account]; ok {
		return n.out
	}
	return nil
}

// IncomingNeighbors returns the distinct senders of an account in first-seen order.
func (g *TransactionGraph) IncomingNeighbors(account string) []string {
	if n, ok := g.nodes[account]; ok {
		return n.in
	}
	return nil
}

// Accounts returns every account id in first-seen order.
func (g *TransactionGraph) Accounts() []string {
	return g.accounts
}

// AccountCount returns the number of distinct accounts.
func (g *TransactionGraph) AccountCount() int {
	return len(g.accounts)
}

// AccountStats returns the aggregates of an account.
func (g *TransactionGraph) AccountStats(account string) (domain.AccountStats, bool) {
	n, ok := g.nodes[account]
	if !ok {
		return domain.AccountStats{}, false
	}
	return n.stats, true
}

// TotalTransactionCount returns incoming plus outgoing transactions of an account.
func (g *TransactionGraph) TotalTransactionCount(account string) int {
	if n, ok := g.nodes[account]; ok {
		return n.stats.TotalCount()
	}
	return 0
}

// IsMerchant applies the merchant heuristic with the default threshold.
func (g *TransactionGraph) IsMerchant(account string) bool {
	return g.IsMerchantAt(account, DefaultMerchantThreshold)
}

// IsMerchantAt reports a high-volume, strongly one-directional account.
func (g *TransactionGraph) IsMerchantAt(account string, threshold int) bool {
	n, ok := g.nodes[account]
	if !ok {
		return false
	}
	if n.stats.TotalCount() < threshold {
		return false
	}
	if n.stats.IncomingCount == 0 {
		return false
	}
	ratio := float64(n.stats.OutgoingCount) / float64(n.stats.IncomingCount)
	return ratio < merchantLowRatio || ratio > merchantHighRatio
}

// IsPayrollAccount reports an account that pays out many similar amounts and
// receives little.
func (g *TransactionGraph) IsPayrollAccount(account string) bool {
	if n, ok := g.nodes[account]; ok {
		return n.payroll
	}
	return false
}

func classifyPayroll(n *node) bool {
	if n.stats.OutgoingCount < payrollMinOutgoing {
		return false
	}
	if float64(n.stats.IncomingCount) > float64(n.stats.OutgoingCount)*payrollMaxIncomingPct {
		return false
	}
	if len(n.adj.Outgoing) < payrollMinAmounts {
		return false
	}
	amounts := make([]float64, len(n.adj.Outgoing))
	for i, e := range n.adj.Outgoing {
		amounts[i] = e.Amount
	}
	mean, std := meanStd(amounts)
	// Zero mean gives NaN in the comparison below, which is never payroll.
	return std/mean < payrollMaxCV
}

// AmountVariation returns the coefficient of variation of every amount the
// account sent or received. Fewer than two amounts, or a non-positive mean,
// yields 1.
func (g *TransactionGraph) AmountVariation(account string) float64 {
	n, ok := g.nodes[account]
	if !ok {
		return 1
	}
	amounts := make([]float64, 0, len(n.adj.Outgoing)+len(n.adj.Incoming))
	for _, e := range n.adj.Outgoing {
		amounts = append(amounts, e.Amount)
	}
	for _, e := range n.adj.Incoming {
		amounts = append(amounts, e.Amount)
	}
	if len(amounts) < 2 {
		return 1
	}
	mean, std := meanStd(amounts)
	if mean <= 0 {
		return 1
	}
	return std / mean
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// EdgeTransactions returns every transaction from sender to receiver.
func (g *TransactionGraph) EdgeTransactions(sender, receiver string) []EdgeTransaction {
	return g.edges[pair{sender: sender, receiver: receiver}]
}

// TransactionCount returns the number of transactions the graph was built from.
func (g *TransactionGraph) TransactionCount() int {
	return g.txCount
}
