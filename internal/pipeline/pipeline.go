// Package pipeline runs detection sessions end to end: graph build, pattern
// detection, scoring and visual export, then persistence, caching, graph
// export and lifecycle events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/ringwatch/internal/detect"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"github.com/opensource-finance/ringwatch/internal/scoring"
)

var tracer = otel.Tracer("ringwatch-pipeline")

// ErrNoTransactions is returned when a session has nothing to analyse.
var ErrNoTransactions = errors.New("no transactions to analyse")

const (
	stageGraphBuild = "graph.build"
	stageScoring    = "scoring"
)

// Options wires a Service. Only Repository is required.
type Options struct {
	Detection  domain.DetectionConfig
	Repository domain.Repository
	Cache      domain.Cache
	ResultTTL  time.Duration
	Sink       domain.GraphSink
	Suppressor scoring.Suppressor
	Metrics    *metrics.Metrics
	Notifier   domain.Notifier
	Logger     *slog.Logger
}

// Service orchestrates detection sessions.
type Service struct {
	cfg        domain.DetectionConfig
	repo       domain.Repository
	cache      domain.Cache
	resultTTL  time.Duration
	sink       domain.GraphSink
	suppressor scoring.Suppressor
	metrics    *metrics.Metrics
	notifier   domain.Notifier
	logger     *slog.Logger
}

// New creates a pipeline service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		cfg:        opts.Detection,
		repo:       opts.Repository,
		cache:      opts.Cache,
		resultTTL:  ttl,
		sink:       opts.Sink,
		suppressor: opts.Suppressor,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		logger:     logger,
	}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Analyze runs the detection core over txs without touching any storage.
// The returned result has no session or tenant set. An empty ledger gives
// an empty report.
func (s *Service) Analyze(ctx context.Context, txs []domain.Transaction) (*domain.DetectionResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.analyze")
	defer span.End()
	span.SetAttributes(attribute.Int("transactions", len(txs)))

	start := time.Now()

	g, err := s.buildGraph(ctx, txs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	detector := detect.NewDetector(s.cfg, s.logger)
	detector.SetObserver(s.metrics.ObserveStage)
	found, err := detector.Run(ctx, g)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	_, scoreSpan := tracer.Start(ctx, stageScoring)
	scoreStart := time.Now()
	engine := scoring.NewEngine(g, found.Ledger, s.cfg.MerchantThreshold, s.suppressor)
	report := engine.GenerateOutput(found.Rings, time.Since(start))
	s.metrics.ObserveStage(stageScoring, time.Since(scoreStart))
	scoreSpan.SetAttributes(attribute.Int("suspicious.accounts", len(report.SuspiciousAccounts)))
	scoreSpan.End()

	graphData := s.visualGraph(g, report)

	span.SetAttributes(
		attribute.Int("accounts", g.AccountCount()),
		attribute.Int("fraud.rings", len(report.FraudRings)),
	)

	return &domain.DetectionResult{
		Status:             domain.StatusCompleted,
		SuspiciousAccounts: report.SuspiciousAccounts,
		FraudRings:         report.FraudRings,
		Summary:            report.Summary,
		GraphData:          graphData,
		Details:            found.Details(),
		Analysis:           engine.DetailedAnalysis(),
	}, nil
}

func (s *Service) buildGraph(ctx context.Context, txs []domain.Transaction) (*graph.TransactionGraph, error) {
	_, span := tracer.Start(ctx, stageGraphBuild)
	defer span.End()

	start := time.Now()
	g, err := graph.FromTransactions(txs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", stageGraphBuild, err)
	}
	s.metrics.ObserveStage(stageGraphBuild, time.Since(start))
	span.SetAttributes(attribute.Int("accounts", g.AccountCount()))
	return g, nil
}

// Submit stores the transactions of a session and marks it pending so a
// worker can pick it up later.
func (s *Service) Submit(ctx context.Context, tenantID, sessionID string, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return ErrNoTransactions
	}
	if err := s.repo.SaveTransactions(ctx, tenantID, sessionID, txs); err != nil {
		return fmt.Errorf("failed to store transactions: %w", err)
	}
	pending := &domain.DetectionResult{
		SessionID: sessionID,
		TenantID:  tenantID,
		Status:    domain.StatusPending,
	}
	if err := s.repo.SaveDetection(ctx, tenantID, pending); err != nil {
		return fmt.Errorf("failed to store pending detection: %w", err)
	}
	return nil
}

// Run stores txs under the session and analyses them.
func (s *Service) Run(ctx context.Context, tenantID, sessionID string, txs []domain.Transaction) (*domain.DetectionResult, error) {
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}
	if err := s.repo.SaveTransactions(ctx, tenantID, sessionID, txs); err != nil {
		return nil, fmt.Errorf("failed to store transactions: %w", err)
	}
	return s.execute(ctx, tenantID, sessionID, txs)
}

// Process analyses the transactions already stored for a session.
func (s *Service) Process(ctx context.Context, tenantID, sessionID string) (*domain.DetectionResult, error) {
	txs, err := s.repo.GetSessionTransactions(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions for session %s: %w", sessionID, err)
	}
	return s.execute(ctx, tenantID, sessionID, txs)
}

// Rerun analyses the stored transactions of an earlier session again under
// a new session id, applying the current suppression rules.
func (s *Service) Rerun(ctx context.Context, tenantID, sessionID string) (*domain.DetectionResult, error) {
	txs, err := s.repo.GetSessionTransactions(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions for session %s: %w", sessionID, err)
	}
	newID := NewSessionID()
	s.logger.Info("rerunning detection", "tenant_id", tenantID, "source_session_id", sessionID, "session_id", newID)
	return s.Run(ctx, tenantID, newID, txs)
}

// Result returns a session, trying the cache before the repository.
func (s *Service) Result(ctx context.Context, tenantID, sessionID string) (*domain.DetectionResult, error) {
	if s.cache != nil {
		cached, err := s.cache.GetResult(ctx, tenantID, sessionID)
		if err != nil {
			s.logger.Warn("result cache read failed", "tenant_id", tenantID, "session_id", sessionID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	result, err := s.repo.GetDetection(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if result.Status == domain.StatusCompleted {
		s.cacheResult(ctx, tenantID, result)
	}
	return result, nil
}

func (s *Service) execute(ctx context.Context, tenantID, sessionID string, txs []domain.Transaction) (*domain.DetectionResult, error) {
	logger := s.logger.With("tenant_id", tenantID, "session_id", sessionID)
	s.notify(ctx, domain.DetectionEvent{Type: domain.EventDetectionStarted, SessionID: sessionID, TenantID: tenantID})

	result, err := s.Analyze(ctx, txs)
	if err != nil {
		s.fail(ctx, tenantID, sessionID, err)
		return nil, err
	}
	result.SessionID = sessionID
	result.TenantID = tenantID

	if err := s.repo.SaveDetection(ctx, tenantID, result); err != nil {
		err = fmt.Errorf("failed to store detection: %w", err)
		s.fail(ctx, tenantID, sessionID, err)
		return nil, err
	}

	s.cacheResult(ctx, tenantID, result)

	if s.sink != nil {
		if err := s.sink.Export(ctx, tenantID, result); err != nil {
			logger.Error("graph export failed", "error", err)
		}
	}

	s.metrics.ObserveResult(result)
	s.notify(ctx, domain.DetectionEvent{
		Type:      domain.EventDetectionCompleted,
		SessionID: sessionID,
		TenantID:  tenantID,
		Summary:   &result.Summary,
	})

	logger.Info("detection completed",
		"transactions", len(txs),
		"accounts", result.Summary.TotalAccountsAnalyzed,
		"suspicious_accounts", result.Summary.SuspiciousAccountsFlagged,
		"fraud_rings", result.Summary.FraudRingsDetected,
		"processing_seconds", result.Summary.ProcessingTimeSeconds,
	)
	return result, nil
}

// fail records a failed session. Storage errors are logged since the
// detection error is what the caller needs.
func (s *Service) fail(ctx context.Context, tenantID, sessionID string, cause error) {
	s.logger.Error("detection failed", "tenant_id", tenantID, "session_id", sessionID, "error", cause)
	s.metrics.DetectionFailed()

	failed := &domain.DetectionResult{
		SessionID: sessionID,
		TenantID:  tenantID,
		Status:    domain.StatusFailed,
		Error:     cause.Error(),
	}
	if err := s.repo.SaveDetection(context.WithoutCancel(ctx), tenantID, failed); err != nil {
		s.logger.Error("failed to record failed detection", "session_id", sessionID, "error", err)
	}

	s.notify(ctx, domain.DetectionEvent{
		Type:      domain.EventDetectionFailed,
		SessionID: sessionID,
		TenantID:  tenantID,
		Error:     cause.Error(),
	})
}

func (s *Service) cacheResult(ctx context.Context, tenantID string, result *domain.DetectionResult) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetResult(ctx, tenantID, result, s.resultTTL); err != nil {
		s.logger.Warn("result cache write failed", "tenant_id", tenantID, "session_id", result.SessionID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, event domain.DetectionEvent) {
	if s.notifier == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	s.notifier.Notify(ctx, event)
}
