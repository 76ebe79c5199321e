// Package broadcast runs the persistent-connection fan-out server: it accepts
// subscriber connections, speaks the subscribe/heartbeat protocol, and
// delivers published messages to interested clients.
package broadcast

import (
	"context"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantpulse/streamcore/errs"
	"github.com/quantpulse/streamcore/internal/fetch"
	"github.com/quantpulse/streamcore/internal/observability"
	"github.com/quantpulse/streamcore/internal/registry"
	"github.com/quantpulse/streamcore/internal/schema"
	"github.com/quantpulse/streamcore/internal/supervisor"
)

const (
	heartbeatTaskName = "broadcast-heartbeat"
	streamerTaskName  = "broadcast-streamer"
)

// Config tunes the broadcast server.
type Config struct {
	// QueueSize bounds each connection's outbound queue.
	QueueSize int `yaml:"queueSize"`
	// CompressThreshold is the serialized-frame size above which deflate is attempted.
	CompressThreshold int `yaml:"compressThreshold"`
	// HeartbeatInterval drives both heartbeat frames and stale-connection eviction.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// PingTimeout is the silence span after which a connection is evicted.
	PingTimeout time.Duration `yaml:"pingTimeout"`
	// WriteTimeout bounds a single frame write to one connection.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64 `yaml:"readLimit"`
	// LatencyWindow sizes the per-connection latency sample ring.
	LatencyWindow int `yaml:"latencyWindow"`
	// StreamInterval is the default performance-update cadence.
	StreamInterval time.Duration `yaml:"streamInterval"`
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 1 << 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 256
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = 10 * time.Second
	}
	return c
}

// Stats is the management view of server health.
type Stats struct {
	ActiveConnections int          `json:"activeConnections"`
	MessagesPerSecond float64      `json:"messagesPerSecond"`
	AverageLatencyMs  float64      `json:"averageLatencyMs"`
	PeakLatencyMs     float64      `json:"peakLatencyMs"`
	ErrorRate         float64      `json:"errorRate"`
	DroppedMessages   uint64       `json:"droppedMessages"`
	Executor          *fetch.Stats `json:"executor,omitempty"`
}

// Server owns the connection set and the fan-out path. Delivery to one slow
// or dead subscriber never blocks delivery to the rest: each connection has
// its own bounded queue and writer goroutine.
type Server struct {
	cfg  Config
	reg  *registry.Registry
	sup  *supervisor.Supervisor
	exec *fetch.Executor

	ctx     context.Context
	cancel  context.CancelFunc
	metrics *serverMetrics

	mu    sync.RWMutex
	conns map[string]*conn

	sentTotal     atomic.Uint64
	errorTotal    atomic.Uint64
	droppedClosed atomic.Uint64
	rateBits      atomic.Uint64
	lastSent      atomic.Uint64
	startedAt     time.Time

	streamMu       sync.Mutex
	streaming      bool
	streamInterval atomic.Int64
}

// NewServer constructs a broadcast server. The executor is optional and only
// feeds the stats surface; a nil executor omits breaker and limiter stats.
func NewServer(cfg Config, reg *registry.Registry, sup *supervisor.Supervisor, exec *fetch.Executor) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Server)
	s.cfg = cfg.normalize()
	s.reg = reg
	s.sup = sup
	s.exec = exec
	s.ctx = ctx
	s.cancel = cancel
	s.metrics = newServerMetrics()
	s.conns = make(map[string]*conn)
	s.startedAt = time.Now()
	s.streamInterval.Store(int64(s.cfg.StreamInterval))
	return s
}

// Start spawns the heartbeat/eviction task.
func (s *Server) Start() error {
	_, err := s.sup.Spawn(heartbeatTaskName, s.heartbeatLoop, nil)
	return err
}

// Handler exposes the persistent-connection endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		observability.Log().Info("connection handshake rejected",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := newConn(uuid.NewString(), ws, s.cfg.QueueSize, s.cfg.LatencyWindow)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.reg.Register(c.id)
	s.metrics.connectionGauge.Add(s.ctx, 1)

	observability.Log().Info("client connected", observability.Field{Key: "client", Value: c.id})
	go c.writeLoop(s.ctx, s.cfg.WriteTimeout, func(err error) {
		s.errorTotal.Add(1)
		s.metrics.deliveryErrors.Add(s.ctx, 1)
		observability.Log().Debug("write failed",
			observability.Field{Key: "client", Value: c.id},
			observability.Field{Key: "error", Value: err.Error()})
	})

	s.sendFrame(c, schema.ConnectedFrame{
		Type:       schema.FrameConnected,
		ClientID:   c.id,
		ServerTime: schema.UnixSeconds(time.Now()),
	})

	readErr := s.readLoop(r.Context(), c)
	status := websocket.CloseStatus(readErr)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		observability.Log().Info("client disconnected", observability.Field{Key: "client", Value: c.id})
	} else if readErr != nil && s.ctx.Err() == nil {
		observability.Log().Debug("client read ended",
			observability.Field{Key: "client", Value: c.id},
			observability.Field{Key: "error", Value: readErr.Error()})
	}
	s.drop(c, websocket.StatusNormalClosure, "closing")
}

func (s *Server) readLoop(ctx context.Context, c *conn) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var frame schema.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.Log().Debug("malformed inbound frame",
				observability.Field{Key: "client", Value: c.id},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *conn, frame schema.InboundFrame) {
	switch frame.Type {
	case schema.FrameSubscribe:
		s.reg.Subscribe(c.id, frame.Topics)
		s.sendFrame(c, schema.SubscriptionConfirmedFrame{
			Type:   schema.FrameSubscriptionConfirmed,
			Topics: s.reg.TopicsOf(c.id),
		})
	case schema.FrameUnsubscribe:
		s.reg.Unsubscribe(c.id, frame.Topics)
		s.sendFrame(c, schema.SubscriptionConfirmedFrame{
			Type:   schema.FrameSubscriptionConfirmed,
			Topics: s.reg.TopicsOf(c.id),
		})
	case schema.FramePing:
		c.touchPing()
		now := time.Now()
		if frame.Timestamp > 0 {
			sample := (schema.UnixSeconds(now) - frame.Timestamp) * 1000
			if sample >= 0 {
				c.latency.record(sample)
			}
		}
		s.sendFrame(c, schema.PongFrame{
			Type:            schema.FramePong,
			Timestamp:       schema.UnixSeconds(now),
			ClientTimestamp: frame.Timestamp,
		})
	default:
		observability.Log().Debug("unknown frame type",
			observability.Field{Key: "client", Value: c.id},
			observability.Field{Key: "type", Value: frame.Type})
	}
}

// Publish serializes payload once and fans it out to every subscriber of the
// topic. Queue overflow on one connection drops that connection's oldest
// frame; the publisher never blocks and other subscribers are unaffected.
func (s *Server) Publish(topic schema.Topic, payload json.RawMessage) error {
	topic = topic.Normalize()
	if err := topic.Validate(); err != nil {
		return errs.New("broadcast/publish", errs.CodeInvalid, errs.WithMessage("bad topic"), errs.WithCause(err))
	}

	start := time.Now()
	members := s.reg.MembersOf(topic)
	s.metrics.fanoutHistogram.Record(s.ctx, int64(len(members)), metric.WithAttributes(
		attribute.String("kind", string(topic.Kind))))
	if len(members) == 0 {
		return nil
	}

	msg := schema.NewStreamMessage(topic, payload)
	frame, compressed, err := encodeFrame(msg, s.cfg.CompressThreshold)
	if err != nil {
		return err
	}
	msg.Compressed = compressed

	delivered := 0
	for _, clientID := range members {
		s.mu.RLock()
		c := s.conns[clientID]
		s.mu.RUnlock()
		if c == nil {
			continue
		}
		if c.enqueue(frame) {
			delivered++
		} else {
			s.metrics.messagesDropped.Add(s.ctx, 1)
		}
	}

	s.sentTotal.Add(uint64(delivered))
	s.metrics.messagesPublished.Add(s.ctx, int64(delivered), metric.WithAttributes(
		attribute.String("kind", string(topic.Kind)),
		attribute.Bool("compressed", compressed)))
	s.metrics.publishDuration.Record(s.ctx, float64(time.Since(start).Microseconds())/1000)
	return nil
}

func (s *Server) sendFrame(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		observability.Log().Error("encode frame", observability.Field{Key: "error", Value: err.Error()})
		return
	}
	c.enqueue(data)
}

// drop removes a connection from the server and the registry, folding its
// drop counter into the server-wide total before the connection goes away.
func (s *Server) drop(c *conn, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.conns[c.id] != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	s.mu.Unlock()

	s.reg.RemoveClient(c.id)
	s.droppedClosed.Add(c.dropped.Load())
	s.metrics.connectionGauge.Add(s.ctx, -1)
	c.close(code, reason)
}

// heartbeatLoop sends heartbeat frames and evicts connections that have gone
// silent past the ping timeout. Eviction is routine, not an error.
func (s *Server) heartbeatLoop(ctx context.Context, handle *supervisor.Handle) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			handle.Heartbeat()
			s.sweepConnections()
		}
	}
}

func (s *Server) sweepConnections() {
	now := time.Now()

	s.mu.RLock()
	live := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.RUnlock()

	var stale []*conn
	for _, c := range live {
		if now.Sub(c.lastPingAt()) > s.cfg.PingTimeout {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		observability.Log().Info("evicting silent client",
			observability.Field{Key: "client", Value: c.id},
			observability.Field{Key: "lastPing", Value: c.lastPingAt().Format(time.RFC3339)})
		s.drop(c, websocket.StatusGoingAway, "ping timeout")
	}

	beat, err := json.Marshal(schema.HeartbeatFrame{
		Type:          schema.FrameHeartbeat,
		Timestamp:     schema.UnixSeconds(now),
		ActiveClients: s.ConnectionCount(),
	})
	if err != nil {
		return
	}
	for _, c := range live {
		if now.Sub(c.lastPingAt()) <= s.cfg.PingTimeout {
			c.enqueue(beat)
		}
	}
}

// StartStreaming begins periodic performance_update emission on the system
// topic. Safe to call while already streaming; the interval is simply updated.
func (s *Server) StartStreaming(interval time.Duration) error {
	if interval > 0 {
		s.streamInterval.Store(int64(interval))
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streaming {
		return nil
	}
	if _, err := s.sup.Spawn(streamerTaskName, s.streamLoop, nil); err != nil {
		return err
	}
	s.streaming = true
	return nil
}

// StopStreaming halts performance_update emission.
func (s *Server) StopStreaming() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if !s.streaming {
		return
	}
	if err := s.sup.Stop(streamerTaskName, s.cfg.WriteTimeout); err != nil {
		observability.Log().Info("streamer stop", observability.Field{Key: "error", Value: err.Error()})
	}
	s.streaming = false
}

// SetStreamingInterval adjusts the performance-update cadence. Takes effect on
// the next tick; no restart required.
func (s *Server) SetStreamingInterval(interval time.Duration) {
	if interval > 0 {
		s.streamInterval.Store(int64(interval))
	}
}

func (s *Server) streamLoop(ctx context.Context, handle *supervisor.Handle) error {
	for {
		interval := time.Duration(s.streamInterval.Load())
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		handle.Heartbeat()

		sent := s.sentTotal.Load()
		prev := s.lastSent.Swap(sent)
		rate := float64(sent-prev) / interval.Seconds()
		s.rateBits.Store(math.Float64bits(rate))

		stats := s.GetStats()
		frame, err := json.Marshal(schema.PerformanceFrame{
			Type:              schema.FramePerformanceUpdate,
			Timestamp:         schema.UnixSeconds(time.Now()),
			ActiveConnections: stats.ActiveConnections,
			MessagesPerSecond: stats.MessagesPerSecond,
			AverageLatencyMs:  stats.AverageLatencyMs,
			PeakLatencyMs:     stats.PeakLatencyMs,
			ErrorRate:         stats.ErrorRate,
			DroppedMessages:   stats.DroppedMessages,
		})
		if err != nil {
			continue
		}
		systemTopic := schema.Topic{Kind: schema.KindSystem}
		for _, clientID := range s.reg.MembersOf(systemTopic) {
			s.mu.RLock()
			c := s.conns[clientID]
			s.mu.RUnlock()
			if c != nil {
				c.enqueue(frame)
			}
		}
	}
}

// GetStats aggregates connection, latency, and throughput figures, plus
// executor saturation when an executor is attached.
func (s *Server) GetStats() Stats {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	var sumLatency, peakLatency float64
	var samples int
	dropped := s.droppedClosed.Load()
	for _, c := range conns {
		avg, peak, n := c.latency.stats()
		sumLatency += avg * float64(n)
		samples += n
		if peak > peakLatency {
			peakLatency = peak
		}
		dropped += c.dropped.Load()
	}

	stats := Stats{
		ActiveConnections: len(conns),
		MessagesPerSecond: math.Float64frombits(s.rateBits.Load()),
		PeakLatencyMs:     peakLatency,
		DroppedMessages:   dropped,
	}
	if samples > 0 {
		stats.AverageLatencyMs = sumLatency / float64(samples)
	}
	if stats.MessagesPerSecond == 0 {
		if uptime := time.Since(s.startedAt).Seconds(); uptime > 0 {
			stats.MessagesPerSecond = float64(s.sentTotal.Load()) / uptime
		}
	}
	sent := s.sentTotal.Load()
	failures := s.errorTotal.Load()
	if sent+failures > 0 {
		stats.ErrorRate = float64(failures) / float64(sent+failures)
	}
	if s.exec != nil {
		execStats := s.exec.Stats()
		stats.Executor = &execStats
	}
	return stats
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close evicts every connection and stops accepting writes. Supervisor-owned
// tasks are stopped by the supervisor's own shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.drop(c, websocket.StatusGoingAway, "server shutting down")
	}
	s.cancel()
}
