package progress

import (
	"encoding/json"
	"time"

	"github.com/deepresearch-engine/core/internal/research/domain"
)

// WireEvent is the JSON shape a ProgressEvent takes at every serialization
// boundary: WebSocket frames and NDJSON trace lines both use it, so a trace
// replay sees exactly what a live observer saw.
type WireEvent struct {
	TaskID    string         `json:"task_id"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Wire converts a domain event to its serialization shape. Timestamps are
// rendered RFC-3339 in UTC.
func Wire(e domain.ProgressEvent) WireEvent {
	return WireEvent{
		TaskID:    e.TaskID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType: string(e.Kind),
		Message:   e.Message,
		Data:      e.Payload,
	}
}

// EncodeWire marshals e to its compact JSON wire form.
func EncodeWire(e domain.ProgressEvent) ([]byte, error) {
	return json.Marshal(Wire(e))
}
