package domain

import "context"

// GraphSink receives finished detections for storage in a graph database.
type GraphSink interface {
	Export(ctx context.Context, tenantID string, result *DetectionResult) error
	Close(ctx context.Context) error
}

// Notifier is told about detection lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event DetectionEvent)
}
