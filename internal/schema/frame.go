package schema

import (
	json "github.com/goccy/go-json"
)

// Frame type discriminators used on the persistent-connection protocol.
const (
	FrameSubscribe             = "subscribe"
	FrameUnsubscribe           = "unsubscribe"
	FramePing                  = "ping"
	FrameConnected             = "connected"
	FrameSubscriptionConfirmed = "subscription_confirmed"
	FramePong                  = "pong"
	FrameStreamData            = "stream_data"
	FrameCompressedData        = "compressed_data"
	FrameHeartbeat             = "heartbeat"
	FramePerformanceUpdate     = "performance_update"
)

// InboundFrame is the single envelope clients send over the persistent connection.
type InboundFrame struct {
	Type      string  `json:"type"`
	Topics    []Topic `json:"topics,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// ConnectedFrame greets a client after the connection is accepted.
type ConnectedFrame struct {
	Type       string  `json:"type"`
	ClientID   string  `json:"clientId"`
	ServerTime float64 `json:"serverTime"`
}

// SubscriptionConfirmedFrame acknowledges a subscribe or unsubscribe request.
type SubscriptionConfirmedFrame struct {
	Type   string  `json:"type"`
	Topics []Topic `json:"topics"`
}

// PongFrame answers a client ping; the client derives latency from both timestamps.
type PongFrame struct {
	Type            string  `json:"type"`
	Timestamp       float64 `json:"timestamp"`
	ClientTimestamp float64 `json:"clientTimestamp"`
}

// StreamDataFrame delivers an uncompressed published message.
type StreamDataFrame struct {
	Type      string          `json:"type"`
	Topic     Topic           `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

// CompressedDataFrame delivers a deflate-compressed payload, base64 encoded.
type CompressedDataFrame struct {
	Type    string `json:"type"`
	Topic   Topic  `json:"topic"`
	Payload string `json:"payload"`
}

// HeartbeatFrame reports liveness on the system topic.
type HeartbeatFrame struct {
	Type          string  `json:"type"`
	Timestamp     float64 `json:"timestamp"`
	ActiveClients int     `json:"activeClients"`
}

// PerformanceFrame reports aggregate server metrics on the system topic.
type PerformanceFrame struct {
	Type              string  `json:"type"`
	Timestamp         float64 `json:"timestamp"`
	ActiveConnections int     `json:"activeConnections"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	PeakLatencyMs     float64 `json:"peakLatencyMs"`
	ErrorRate         float64 `json:"errorRate"`
	DroppedMessages   uint64  `json:"droppedMessages"`
}
