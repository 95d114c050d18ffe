// Package worker runs asynchronous detection jobs taken from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/tracing"
)

var tracer = otel.Tracer("ringwatch-worker")

// ErrInvalidJob is returned for job messages that cannot be decoded.
var ErrInvalidJob = errors.New("invalid detection job")

// Processor analyses the stored transactions of a session.
type Processor interface {
	Process(ctx context.Context, tenantID, sessionID string) (*domain.DetectionResult, error)
}

// Worker consumes detection jobs and publishes their outcome on the
// tenant's partition.
type Worker struct {
	bus       domain.EventBus
	processor Processor
	logger    *slog.Logger

	sem           chan struct{}
	subscriptions []domain.Subscription
	statusSub     domain.Subscription
	mu            sync.Mutex
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs adds dedicated subscriptions on these tenant partitions.
	// The shared job partition is always consumed.
	TenantIDs []string

	// WorkerCount bounds the jobs processed at once
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the job partition and any configured tenant partitions.
func (w *Worker) Start(cfg Config) error {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	w.sem = make(chan struct{}, count)

	partitions := append([]string{domain.JobPartition}, cfg.TenantIDs...)
	for _, partition := range partitions {
		sub, err := w.bus.Subscribe(w.ctx, partition, domain.TopicDetectionRequested, func(ctx context.Context, msg *domain.Message) error {
			return w.handleMessage(ctx, partition, msg)
		})
		if err != nil {
			if partition == domain.JobPartition {
				return fmt.Errorf("failed to subscribe to job partition: %w", err)
			}
			w.logger.Error("failed to start worker for tenant", "tenant_id", partition, "error", err)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	statusSub, err := w.bus.Subscribe(w.ctx, domain.JobPartition, domain.TopicWorkerStatus, w.replyStatus)
	if err != nil {
		w.logger.Warn("worker status requests disabled", "error", err)
	} else {
		w.statusSub = statusSub
	}

	w.logger.Info("workers started",
		"worker_count", count,
		"subscriptions", len(w.subscriptions),
	)
	return nil
}

// handleMessage waits for a free slot, then processes the job in the
// background so the subscription keeps draining.
func (w *Worker) handleMessage(ctx context.Context, partition string, msg *domain.Message) error {
	var job domain.DetectionJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.logger.Error("failed to parse detection job", "message_id", msg.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.TenantID == "" && partition != domain.JobPartition {
		job.TenantID = partition
	}
	if job.TenantID == "" || job.SessionID == "" {
		w.logger.Error("detection job missing ids", "message_id", msg.ID)
		return fmt.Errorf("%w: tenant_id and session_id are required", ErrInvalidJob)
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return context.Canceled
	}
	w.wg.Add(1)
	w.mu.Unlock()

	w.inFlight.Add(1)
	go func() {
		defer func() {
			w.inFlight.Add(-1)
			<-w.sem
			w.wg.Done()
		}()
		w.process(ctx, job)
	}()
	return nil
}

// process runs a job to completion even when the worker is stopping. ctx
// carries the publisher's trace.
func (w *Worker) process(ctx context.Context, job domain.DetectionJob) {
	start := time.Now()
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "worker.process")
	defer span.End()
	logger := w.logger.With("tenant_id", job.TenantID, "session_id", job.SessionID, "trace_id", tracing.TraceID(ctx))

	logger.Debug("processing detection job")

	event := domain.DetectionEvent{
		SessionID: job.SessionID,
		TenantID:  job.TenantID,
	}
	topic := domain.TopicDetectionCompleted

	result, err := w.processor.Process(ctx, job.TenantID, job.SessionID)
	if err != nil {
		w.failed.Add(1)
		event.Type = domain.EventDetectionFailed
		event.Error = err.Error()
		topic = domain.TopicDetectionFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("detection job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	} else {
		w.processed.Add(1)
		event.Type = domain.EventDetectionCompleted
		event.Summary = &result.Summary
		logger.Info("detection job processed",
			"suspicious_accounts", result.Summary.SuspiciousAccountsFlagged,
			"fraud_rings", result.Summary.FraudRingsDetected,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to encode detection event", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, job.TenantID, topic, payload); err != nil {
		logger.Error("failed to publish detection event", "topic", topic, "error", err)
	}
}

func (w *Worker) replyStatus(ctx context.Context, msg *domain.Message) error {
	payload, err := json.Marshal(w.GetStats())
	if err != nil {
		return err
	}
	return w.bus.Reply(ctx, msg, payload)
}

// Stop stops taking new jobs, unsubscribes and waits for in-flight jobs.
func (w *Worker) Stop() error {
	w.cancel()

	if w.statusSub != nil {
		_ = w.statusSub.Unsubscribe()
		w.statusSub = nil
	}

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.stopped = true
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	w.logger.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	InFlight          int64    `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()
	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		InFlight:          w.inFlight.Load(),
	}
}
