package domain

import (
	"context"
)

// EventBus moves detection jobs to workers and lifecycle events to
// listeners. Every call is scoped to a tenant partition; the in-process
// implementation uses channels, the distributed one NATS.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe delivers every later message on tenantID/topic to handler
	// until the subscription is cancelled.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes and blocks for the first reply.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received from Request. It fails for messages
	// that were published without a reply address.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler receives one message. A returned error is logged by the bus.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus payload travels in. Metadata carries
// the publisher's W3C trace context.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus backend.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `json:"type"`

	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	// NATSReconnectWait is in seconds.
	NATSReconnectWait int `json:"natsReconnectWait"`
}

const (
	TopicDetectionRequested = "ringwatch.detection.requested"
	TopicDetectionCompleted = "ringwatch.detection.completed"
	TopicDetectionFailed    = "ringwatch.detection.failed"

	// TopicWorkerStatus is answered by any live worker on JobPartition.
	TopicWorkerStatus = "ringwatch.worker.status"
)

// JobPartition is the shared tenant partition async detection jobs are
// published on. Workers subscribe once and read the real tenant from the job.
const JobPartition = "_jobs"

// DetectionJob asks a worker to analyse a stored session.
type DetectionJob struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
}
