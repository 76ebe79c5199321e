package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// StreamMessage is a published event. Immutable once constructed; ownership
// transfers from the producer to the fan-out path, which shares it read-only
// across delivery goroutines.
type StreamMessage struct {
	Topic      Topic
	Payload    json.RawMessage
	ProducedAt time.Time
	Compressed bool
}

// NewStreamMessage stamps a message with the production time.
func NewStreamMessage(topic Topic, payload json.RawMessage) *StreamMessage {
	return &StreamMessage{
		Topic:      topic.Normalize(),
		Payload:    payload,
		ProducedAt: time.Now().UTC(),
		Compressed: false,
	}
}

// UnixSeconds converts a time to the float-second representation used on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
