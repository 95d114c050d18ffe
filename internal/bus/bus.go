// Package bus carries detection jobs and lifecycle events between the API
// and the workers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/tracing"
)

var (
	ErrTenantRequired = errors.New("tenantID is required")
	ErrBusClosed      = errors.New("bus is closed")
	ErrNoReplyTo      = errors.New("message has no reply address")
)

// New builds the bus named by cfg.Type: "channel" for a single process,
// "nats" when API and workers run as separate replicas.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newEnvelope wraps payload for delivery and records the trace of ctx so
// the consumer's spans join the publisher's trace.
func newEnvelope(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  tracing.Inject(ctx),
		Timestamp: time.Now().UnixNano(),
	}
}

// dispatch runs handler under the trace carried by msg.
func dispatch(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) {
	ctx = tracing.Extract(ctx, msg.Metadata)
	if err := handler(ctx, msg); err != nil {
		slog.Error("handler error",
			"tenant_id", msg.TenantID,
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}
