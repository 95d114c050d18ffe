package detect

import (
	"context"
	"time"

	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/velocity"
)

// SmurfingDetector finds many-to-one and one-to-many bursts inside a window.
type SmurfingDetector struct {
	MinConnections    int
	Window            time.Duration
	MerchantThreshold int
}

// Detect returns fan-in and fan-out patterns in account order.
func (d SmurfingDetector) Detect(ctx context.Context, g *graph.TransactionGraph) (fanIn, fanOut []SmurfingPattern, err error) {
	for _, account := range g.Accounts() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if g.IsMerchantAt(account, d.MerchantThreshold) || g.IsPayrollAccount(account) {
			continue
		}

		adj := g.Neighbors(account)
		if p, ok := d.fan(account, adj.Incoming, KindFanIn); ok {
			fanIn = append(fanIn, p)
		}
		if p, ok := d.fan(account, adj.Outgoing, KindFanOut); ok {
			fanOut = append(fanOut, p)
		}
	}
	return fanIn, fanOut, nil
}

// fan inspects the densest window of one side of an account's edges.
func (d SmurfingDetector) fan(account string, edges []graph.Edge, kind Kind) (SmurfingPattern, bool) {
	// cheap pre-filter before windowing
	if len(edges) < d.MinConnections {
		return SmurfingPattern{}, false
	}

	analysis := velocity.SlidingWindow(edges, d.Window)
	if analysis.MaxWindow == nil {
		return SmurfingPattern{}, false
	}

	window := analysis.MaxWindow
	seen := make(map[string]struct{}, len(window.Items))
	var counterparties []string
	var total float64
	for _, e := range window.Items {
		total += e.Amount
		if _, ok := seen[e.Counterparty]; ok {
			continue
		}
		seen[e.Counterparty] = struct{}{}
		counterparties = append(counterparties, e.Counterparty)
	}

	if len(counterparties) < d.MinConnections {
		return SmurfingPattern{}, false
	}

	return SmurfingPattern{
		Type:             kind,
		Central:          account,
		Counterparties:   counterparties,
		TransactionCount: len(window.Items),
		UniqueCount:      len(counterparties),
		WindowStart:      window.Start,
		WindowEnd:        window.End,
		TotalAmount:      total,
	}, true
}
