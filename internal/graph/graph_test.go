package graph

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func tx(id, sender, receiver string, amount float64, hours float64) domain.Transaction {
	return domain.Transaction{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Timestamp:  base.Add(time.Duration(hours * float64(time.Hour))),
	}
}

func TestBuild(t *testing.T) {
	txs := []domain.Transaction{
		tx("T1", "A", "B", 100, 0),
		tx("T2", "A", "B", 50, 1),
		tx("T3", "B", "C", 140, 2),
		tx("T4", "C", "A", 130, 3),
	}

	g := New()
	stats, err := g.Build(txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	t.Run("Stats", func(t *testing.T) {
		if stats.NodeCount != 3 {
			t.Errorf("expected 3 nodes, got %d", stats.NodeCount)
		}
		if stats.EdgeCount != 3 {
			t.Errorf("expected 3 collapsed edges, got %d", stats.EdgeCount)
		}
		if stats.TotalTransactions != 4 {
			t.Errorf("expected 4 transactions, got %d", stats.TotalTransactions)
		}
	})

	t.Run("AccountStats", func(t *testing.T) {
		a, ok := g.AccountStats("A")
		if !ok {
			t.Fatal("expected stats for A")
		}
		if a.OutgoingCount != 2 || a.IncomingCount != 1 {
			t.Errorf("expected 2 out / 1 in, got %d / %d", a.OutgoingCount, a.IncomingCount)
		}
		if a.TotalSent != 150 || a.TotalReceived != 130 {
			t.Errorf("expected 150 sent / 130 received, got %v / %v", a.TotalSent, a.TotalReceived)
		}
		if _, ok := g.AccountStats("Z"); ok {
			t.Error("expected no stats for unknown account")
		}
	})

	t.Run("DedupedNeighbors", func(t *testing.T) {
		out := g.OutgoingNeighbors("A")
		if len(out) != 1 || out[0] != "B" {
			t.Errorf("expected [B], got %v", out)
		}
		in := g.IncomingNeighbors("A")
		if len(in) != 1 || in[0] != "C" {
			t.Errorf("expected [C], got %v", in)
		}
		if len(g.Neighbors("A").Outgoing) != 2 {
			t.Errorf("expected 2 raw outgoing edges, got %d", len(g.Neighbors("A").Outgoing))
		}
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		adj := g.Neighbors("missing")
		if len(adj.Outgoing) != 0 || len(adj.Incoming) != 0 {
			t.Error("expected empty adjacency for unknown account")
		}
		if g.TotalTransactionCount("missing") != 0 {
			t.Error("expected zero count for unknown account")
		}
	})

	t.Run("EdgeTransactions", func(t *testing.T) {
		edges := g.EdgeTransactions("A", "B")
		if len(edges) != 2 {
			t.Fatalf("expected 2 transactions A->B, got %d", len(edges))
		}
		if edges[0].TransactionID != "T1" || edges[1].TransactionID != "T2" {
			t.Errorf("expected input order, got %s, %s", edges[0].TransactionID, edges[1].TransactionID)
		}
		if len(g.EdgeTransactions("B", "A")) != 0 {
			t.Error("expected no transactions B->A")
		}
	})

	t.Run("Rebuild", func(t *testing.T) {
		g2 := New()
		if _, err := g2.Build(txs); err != nil {
			t.Fatal(err)
		}
		if _, err := g2.Build(txs[:1]); err != nil {
			t.Fatal(err)
		}
		if g2.AccountCount() != 2 {
			t.Errorf("expected rebuild to reset state, got %d accounts", g2.AccountCount())
		}
	})
}

func TestBuildRejectsInvalid(t *testing.T) {
	g := New()
	_, err := g.Build([]domain.Transaction{
		tx("T1", "A", "B", 10, 0),
		tx("T2", "B", "C", -5, 1),
	})
	if !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
	if g.AccountCount() != 0 {
		t.Errorf("expected no partial state, got %d accounts", g.AccountCount())
	}
}

func TestAccountsMatchDistinctIDs(t *testing.T) {
	var txs []domain.Transaction
	want := map[string]bool{}
	for i := 0; i < 40; i++ {
		s := fmt.Sprintf("S%d", i%7)
		r := fmt.Sprintf("R%d", i%5)
		if i%3 == 0 {
			r = fmt.Sprintf("S%d", (i+1)%7)
		}
		want[s] = true
		want[r] = true
		txs = append(txs, tx(fmt.Sprintf("T%d", i), s, r, float64(i+1), float64(i)))
	}

	g, err := FromTransactions(txs)
	if err != nil {
		t.Fatal(err)
	}

	got := g.Accounts()
	if len(got) != len(want) {
		t.Fatalf("expected %d accounts, got %d", len(want), len(got))
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected account %s", id)
		}
	}
}

func TestEmptyGraph(t *testing.T) {
	g, err := FromTransactions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Accounts()) != 0 {
		t.Errorf("expected no accounts, got %d", len(g.Accounts()))
	}
	data := g.Export()
	if len(data.Nodes) != 0 || len(data.Edges) != 0 {
		t.Error("expected empty export")
	}
}

func TestIsMerchant(t *testing.T) {
	var txs []domain.Transaction
	// 1000 customers paying M, M pays out once
	for i := 0; i < 1000; i++ {
		txs = append(txs, tx(fmt.Sprintf("T%d", i), fmt.Sprintf("C%d", i), "M", 20, float64(i)/10))
	}
	txs = append(txs, tx("OUT", "M", "BANK", 15000, 200))

	g, err := FromTransactions(txs)
	if err != nil {
		t.Fatal(err)
	}

	if !g.IsMerchant("M") {
		t.Error("expected M to be a merchant")
	}
	if g.IsMerchant("C1") {
		t.Error("expected customer not to be a merchant")
	}
	if !g.IsMerchantAt("M", 500) {
		t.Error("expected M to be a merchant at a lower threshold")
	}
	if g.IsMerchantAt("M", 5000) {
		t.Error("expected M not to be a merchant above its volume")
	}

	t.Run("NoIncoming", func(t *testing.T) {
		var out []domain.Transaction
		for i := 0; i < 1000; i++ {
			out = append(out, tx(fmt.Sprintf("T%d", i), "P", fmt.Sprintf("R%d", i), 5, float64(i)))
		}
		g, err := FromTransactions(out)
		if err != nil {
			t.Fatal(err)
		}
		if g.IsMerchant("P") {
			t.Error("expected no merchant without incoming transactions")
		}
	})
}

func TestIsPayrollAccount(t *testing.T) {
	t.Run("RegularDisbursements", func(t *testing.T) {
		var txs []domain.Transaction
		for i := 0; i < 600; i++ {
			amount := 3000.0 + float64(i%5)
			txs = append(txs, tx(fmt.Sprintf("P%d", i), "EMPLOYER", fmt.Sprintf("E%d", i%120), amount, float64(i)))
		}
		for i := 0; i < 60; i++ {
			txs = append(txs, tx(fmt.Sprintf("F%d", i), "FUNDING", "EMPLOYER", 30000, float64(i)))
		}

		g, err := FromTransactions(txs)
		if err != nil {
			t.Fatal(err)
		}
		if !g.IsPayrollAccount("EMPLOYER") {
			t.Error("expected payroll account")
		}
		if g.IsPayrollAccount("E1") {
			t.Error("expected employee not to be payroll")
		}
	})

	t.Run("TooManyIncoming", func(t *testing.T) {
		var txs []domain.Transaction
		for i := 0; i < 30; i++ {
			txs = append(txs, tx(fmt.Sprintf("O%d", i), "X", fmt.Sprintf("R%d", i), 100, float64(i)))
		}
		for i := 0; i < 4; i++ {
			txs = append(txs, tx(fmt.Sprintf("I%d", i), fmt.Sprintf("S%d", i), "X", 100, float64(i)))
		}
		g, err := FromTransactions(txs)
		if err != nil {
			t.Fatal(err)
		}
		if g.IsPayrollAccount("X") {
			t.Error("expected 4 incoming of 30 outgoing to disqualify payroll")
		}
	})

	t.Run("IrregularAmounts", func(t *testing.T) {
		var txs []domain.Transaction
		for i := 0; i < 30; i++ {
			amount := 10.0
			if i%2 == 0 {
				amount = 5000
			}
			txs = append(txs, tx(fmt.Sprintf("O%d", i), "X", fmt.Sprintf("R%d", i), amount, float64(i)))
		}
		g, err := FromTransactions(txs)
		if err != nil {
			t.Fatal(err)
		}
		if g.IsPayrollAccount("X") {
			t.Error("expected irregular amounts to disqualify payroll")
		}
	})
}

func TestAmountVariation(t *testing.T) {
	g, err := FromTransactions([]domain.Transaction{
		tx("T1", "A", "B", 100, 0),
		tx("T2", "B", "A", 100, 1),
		tx("T3", "C", "D", 50, 2),
		tx("T4", "D", "E", 150, 3),
		tx("T5", "F", "G", 0, 4),
		tx("T6", "G", "F", 0, 5),
	})
	if err != nil {
		t.Fatal(err)
	}

	if cv := g.AmountVariation("A"); cv != 0 {
		t.Errorf("expected CV 0 for equal amounts, got %v", cv)
	}
	if cv := g.AmountVariation("D"); math.Abs(cv-0.5) > 1e-9 {
		t.Errorf("expected CV 0.5, got %v", cv)
	}
	if cv := g.AmountVariation("C"); cv != 1 {
		t.Errorf("expected CV 1 for a single amount, got %v", cv)
	}
	if cv := g.AmountVariation("F"); cv != 1 {
		t.Errorf("expected CV 1 for zero mean, got %v", cv)
	}
}

func TestExport(t *testing.T) {
	g, err := FromTransactions([]domain.Transaction{
		tx("T1", "A", "B", 100, 0),
		tx("T2", "A", "B", 50, 5),
		tx("T3", "A", "B", 25, 2),
		tx("T4", "B", "C", 140, 6),
		tx("T5", "C", "D", 10, 7),
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Full", func(t *testing.T) {
		data := g.Export()
		if len(data.Nodes) != 4 {
			t.Errorf("expected 4 nodes, got %d", len(data.Nodes))
		}
		if data.IsFiltered {
			t.Error("expected unfiltered export")
		}
		if len(data.Edges) != 3 {
			t.Fatalf("expected 3 edges, got %d", len(data.Edges))
		}
		ab := data.Edges[0]
		if ab.Source != "A" || ab.Target != "B" {
			t.Fatalf("expected first edge A->B, got %s->%s", ab.Source, ab.Target)
		}
		if ab.Amount != 175 || ab.TransactionCount != 3 {
			t.Errorf("expected 175 over 3 transactions, got %v over %d", ab.Amount, ab.TransactionCount)
		}
		if !ab.Timestamp.Equal(base.Add(5 * time.Hour)) {
			t.Errorf("expected latest timestamp, got %v", ab.Timestamp)
		}
	})

	t.Run("Subgraph", func(t *testing.T) {
		data := g.Subgraph([]string{"A", "B", "D", "missing"})
		if len(data.Nodes) != 3 {
			t.Errorf("expected 3 known nodes, got %d", len(data.Nodes))
		}
		if len(data.Edges) != 1 {
			t.Fatalf("expected only A->B inside the set, got %d edges", len(data.Edges))
		}
		if !data.IsFiltered || data.TotalNodes != 4 {
			t.Errorf("expected filtered export of 4 total nodes, got %v / %d", data.IsFiltered, data.TotalNodes)
		}

		ids := make([]string, 0, len(data.Nodes))
		for _, n := range data.Nodes {
			ids = append(ids, n.ID)
		}
		sort.Strings(ids)
		if fmt.Sprint(ids) != "[A B D]" {
			t.Errorf("expected [A B D], got %v", ids)
		}
	})
}
