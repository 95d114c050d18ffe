package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/ringwatch/internal/cache"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/export"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"github.com/opensource-finance/ringwatch/internal/repository"
)

const tenant = "tenant-001"

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func tx(id, sender, receiver string, amount float64, hours int) domain.Transaction {
	return domain.Transaction{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Timestamp:  base.Add(time.Duration(hours) * time.Hour),
	}
}

func triangle() []domain.Transaction {
	return []domain.Transaction{
		tx("T1", "A", "B", 100, 0),
		tx("T2", "B", "C", 100, 1),
		tx("T3", "C", "A", 100, 2),
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.DetectionEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event domain.DetectionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc      *Service
	repo     *repository.SQLRepository
	cache    *cache.LRUCache
	graph    *export.Recorder
	metrics  *metrics.Metrics
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "ringwatch-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	f := &fixture{
		repo:     repo,
		cache:    cache.NewLRUCache(100),
		graph:    export.NewRecorder(),
		metrics:  metrics.New(),
		notifier: &recordingNotifier{},
	}
	f.svc = New(Options{
		Detection:  domain.DefaultDetectionConfig(),
		Repository: repo,
		Cache:      f.cache,
		Sink:       export.NewNeo4jSink(f.graph, 0, nil),
		Metrics:    f.metrics,
		Notifier:   f.notifier,
	})
	return f
}

func TestAnalyze(t *testing.T) {
	svc := New(Options{Detection: domain.DefaultDetectionConfig()})

	result, err := svc.Analyze(context.Background(), triangle())
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	if result.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
	if len(result.SuspiciousAccounts) != 3 {
		t.Fatalf("expected 3 suspicious accounts, got %d", len(result.SuspiciousAccounts))
	}
	if len(result.FraudRings) != 1 || result.FraudRings[0].RingID != "RING_001" {
		t.Errorf("unexpected rings %+v", result.FraudRings)
	}
	if result.Details.CyclesDetected != 1 {
		t.Errorf("expected 1 cycle, got %d", result.Details.CyclesDetected)
	}
	if len(result.Analysis) != 3 {
		t.Errorf("expected 3 analysed accounts, got %d", len(result.Analysis))
	}

	gd := result.GraphData
	if gd == nil {
		t.Fatal("expected graph data")
	}
	if gd.IsFiltered || gd.TotalNodes != 3 || len(gd.Nodes) != 3 || len(gd.Edges) != 3 {
		t.Errorf("unexpected graph %d nodes, %d edges, total %d, filtered %v", len(gd.Nodes), len(gd.Edges), gd.TotalNodes, gd.IsFiltered)
	}
	for _, n := range gd.Nodes {
		if !n.Suspicious || n.Score != 40 || n.RingID == nil || *n.RingID != "RING_001" {
			t.Errorf("node %s not annotated: %+v", n.ID, n)
		}
	}
}

func TestAnalyzeEmptyLedger(t *testing.T) {
	svc := New(Options{Detection: domain.DefaultDetectionConfig()})

	result, err := svc.Analyze(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected an empty report, got error %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Errorf("expected status %s, got %s", domain.StatusCompleted, result.Status)
	}
	if result.SuspiciousAccounts == nil || len(result.SuspiciousAccounts) != 0 {
		t.Errorf("expected an empty suspicious account list, got %v", result.SuspiciousAccounts)
	}
	if result.FraudRings == nil || len(result.FraudRings) != 0 {
		t.Errorf("expected an empty ring list, got %v", result.FraudRings)
	}
	sum := result.Summary
	if sum.TotalAccountsAnalyzed != 0 || sum.SuspiciousAccountsFlagged != 0 || sum.FraudRingsDetected != 0 {
		t.Errorf("expected zero counts, got %+v", sum)
	}
	if result.GraphData == nil || len(result.GraphData.Nodes) != 0 || len(result.GraphData.Edges) != 0 {
		t.Errorf("expected an empty graph, got %+v", result.GraphData)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	svc := New(Options{Detection: domain.DefaultDetectionConfig()})

	bad := []domain.Transaction{tx("T1", "A", "", 10, 0)}
	if _, err := svc.Analyze(context.Background(), bad); !errors.Is(err, domain.ErrInvalidTransaction) {
		t.Errorf("expected ErrInvalidTransaction, got %v", err)
	}
}

func TestSubgraphExport(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.SubgraphThreshold = 10
	svc := New(Options{Detection: cfg})

	txs := triangle()
	for i := 1; i <= 8; i++ {
		txs = append(txs, tx(fmt.Sprintf("N%d", i), "A", fmt.Sprintf("N%d", i), 10, 3+i))
	}
	for i := range 10 {
		txs = append(txs, tx(fmt.Sprintf("X%d", i), fmt.Sprintf("X%d", i), fmt.Sprintf("Y%d", i), 10, 20+i))
	}

	result, err := svc.Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	gd := result.GraphData
	if !gd.IsFiltered {
		t.Error("expected filtered graph")
	}
	if gd.TotalNodes != 31 {
		t.Errorf("expected 31 total nodes, got %d", gd.TotalNodes)
	}

	// A, B, C plus the first four counterparties A paid after B
	got := make([]string, len(gd.Nodes))
	for i, n := range gd.Nodes {
		got[i] = n.ID
	}
	slices.Sort(got)
	want := []string{"A", "B", "C", "N1", "N2", "N3", "N4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected nodes %v, got %v", want, got)
	}
	for _, n := range gd.Nodes {
		if n.ID[0] == 'N' && n.Suspicious {
			t.Errorf("neighbour %s should not be suspicious", n.ID)
		}
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	var txs []domain.Transaction
	txs = append(txs, triangle()...)
	for i := range 12 {
		txs = append(txs, tx(fmt.Sprintf("S%d", i), fmt.Sprintf("SRC%d", i), "AGG", 50, i))
	}
	txs = append(txs,
		tx("L1", "ORIGIN", "SH1", 900, 0),
		tx("L2", "SH1", "SH2", 880, 1),
		tx("L3", "SH2", "SH3", 860, 2),
		tx("L4", "SH3", "EXIT", 840, 3),
	)

	seqCfg := domain.DefaultDetectionConfig()
	parCfg := seqCfg
	parCfg.Parallel = true

	seq, err := New(Options{Detection: seqCfg}).Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("sequential analyze failed: %v", err)
	}
	par, err := New(Options{Detection: parCfg}).Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("parallel analyze failed: %v", err)
	}

	if !reflect.DeepEqual(seq.FraudRings, par.FraudRings) {
		t.Errorf("rings differ:\n%+v\n%+v", seq.FraudRings, par.FraudRings)
	}
	if !reflect.DeepEqual(seq.SuspiciousAccounts, par.SuspiciousAccounts) {
		t.Errorf("accounts differ:\n%+v\n%+v", seq.SuspiciousAccounts, par.SuspiciousAccounts)
	}
	if seq.Details != par.Details {
		t.Errorf("details differ: %+v vs %+v", seq.Details, par.Details)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Run(ctx, tenant, "sess-1", triangle())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.SessionID != "sess-1" || result.TenantID != tenant {
		t.Errorf("unexpected ids %s/%s", result.TenantID, result.SessionID)
	}

	stored, err := f.repo.GetDetection(ctx, tenant, "sess-1")
	if err != nil {
		t.Fatalf("stored detection missing: %v", err)
	}
	if stored.Status != domain.StatusCompleted || len(stored.Analysis) != 3 {
		t.Errorf("unexpected stored detection: status %s, %d analysed", stored.Status, len(stored.Analysis))
	}

	txs, err := f.repo.GetSessionTransactions(ctx, tenant, "sess-1")
	if err != nil || len(txs) != 3 {
		t.Errorf("expected 3 stored transactions, got %d (%v)", len(txs), err)
	}

	cached, err := f.cache.GetResult(ctx, tenant, "sess-1")
	if err != nil || cached == nil {
		t.Fatalf("expected cached result, got %v (%v)", cached, err)
	}
	if len(cached.Analysis) != 3 {
		t.Errorf("expected cached analysis, got %d", len(cached.Analysis))
	}

	if len(f.graph.Writes()) != 3 {
		t.Errorf("expected 3 graph writes, got %d", len(f.graph.Writes()))
	}

	want := []string{domain.EventDetectionStarted, domain.EventDetectionCompleted}
	if got := f.notifier.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}

	if got := testutil.ToFloat64(f.metrics.DetectionsTotal.WithLabelValues(domain.StatusCompleted)); got != 1 {
		t.Errorf("expected 1 completed detection metric, got %v", got)
	}
}

func TestRunFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []domain.Transaction{tx("T1", "A", "B", -5, 0)}
	if _, err := f.svc.Run(ctx, tenant, "sess-bad", bad); !errors.Is(err, domain.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}

	stored, err := f.repo.GetDetection(ctx, tenant, "sess-bad")
	if err != nil {
		t.Fatalf("failed detection not stored: %v", err)
	}
	if stored.Status != domain.StatusFailed || stored.Error == "" {
		t.Errorf("expected failed status with error, got %s %q", stored.Status, stored.Error)
	}

	want := []string{domain.EventDetectionStarted, domain.EventDetectionFailed}
	if got := f.notifier.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	if got := testutil.ToFloat64(f.metrics.DetectionsTotal.WithLabelValues(domain.StatusFailed)); got != 1 {
		t.Errorf("expected 1 failed detection metric, got %v", got)
	}
}

func TestSinkFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.graph.Fail(errors.New("neo4j unavailable"))

	result, err := f.svc.Run(context.Background(), tenant, "sess-1", triangle())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
}

func TestSubmitAndProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Submit(ctx, tenant, "sess-async", triangle()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pending, err := f.svc.Result(ctx, tenant, "sess-async")
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if pending.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", pending.Status)
	}

	result, err := f.svc.Process(ctx, tenant, "sess-async")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Summary.FraudRingsDetected != 1 {
		t.Errorf("expected 1 ring, got %d", result.Summary.FraudRingsDetected)
	}

	done, err := f.svc.Result(ctx, tenant, "sess-async")
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Errorf("expected completed after processing, got %s", done.Status)
	}

	if err := f.svc.Submit(ctx, tenant, "sess-empty", nil); !errors.Is(err, ErrNoTransactions) {
		t.Errorf("expected ErrNoTransactions, got %v", err)
	}
}

func TestRerun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Run(ctx, tenant, "sess-1", triangle())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	again, err := f.svc.Rerun(ctx, tenant, "sess-1")
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if again.SessionID == first.SessionID {
		t.Error("expected a new session id")
	}
	if !reflect.DeepEqual(again.SuspiciousAccounts, first.SuspiciousAccounts) {
		t.Errorf("rerun changed the results")
	}

	sessions, err := f.repo.ListDetections(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(sessions))
	}

	if _, err := f.svc.Rerun(ctx, tenant, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResultReadThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, tenant, "sess-1", triangle()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := f.cache.Delete(ctx, tenant, domain.ResultKey("sess-1")); err != nil {
		t.Fatalf("cache delete failed: %v", err)
	}

	result, err := f.svc.Result(ctx, tenant, "sess-1")
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if result.Summary.SuspiciousAccountsFlagged != 3 {
		t.Errorf("expected 3 flagged, got %d", result.Summary.SuspiciousAccountsFlagged)
	}

	if cached, _ := f.cache.GetResult(ctx, tenant, "sess-1"); cached == nil {
		t.Error("expected repository hit to repopulate the cache")
	}

	if _, err := f.svc.Result(ctx, "other-tenant", "sess-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
}
