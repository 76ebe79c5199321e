package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// conn is one client connection. The outbound queue is drained exclusively by
// the connection's writer goroutine; publishers only enqueue. A full queue
// sheds the oldest frame so the publisher never blocks on a slow subscriber.
type conn struct {
	id          string
	ws          *websocket.Conn
	out         chan []byte
	closed      chan struct{}
	lastPing    atomic.Int64
	dropped     atomic.Uint64
	latency     *latencyRing
	closeOnce   sync.Once
	writerDone  chan struct{}
	connectedAt time.Time
}

func newConn(id string, ws *websocket.Conn, queueSize, latencyWindow int) *conn {
	c := new(conn)
	c.id = id
	c.ws = ws
	c.out = make(chan []byte, queueSize)
	c.closed = make(chan struct{})
	c.latency = newLatencyRing(latencyWindow)
	c.writerDone = make(chan struct{})
	c.connectedAt = time.Now()
	c.lastPing.Store(c.connectedAt.UnixNano())
	return c
}

// enqueue offers a frame to the outbound queue. When the queue is full the
// oldest queued frame is discarded to make room, keeping delivery order FIFO
// over whatever survives. Returns false only when the frame itself was shed.
// The queue channel itself is never closed, so enqueue stays safe against a
// concurrent close of the connection.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.out <- frame:
		return true
	default:
	}

	select {
	case <-c.out:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *conn) touchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

func (c *conn) lastPingAt() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

// writeLoop drains the outbound queue until the connection closes, bounding
// each write so one wedged peer cannot pin the goroutine.
func (c *conn) writeLoop(ctx context.Context, writeTimeout time.Duration, onError func(error)) {
	defer close(c.writerDone)
	for {
		var frame []byte
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case frame = <-c.out:
		}

		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
	}
}

// latencyRing keeps a bounded window of latency samples in milliseconds.
// Old samples are overwritten in place once the window fills.
type latencyRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	count   int
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = 1
	}
	return &latencyRing{samples: make([]float64, size)}
}

func (r *latencyRing) record(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = ms
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

func (r *latencyRing) stats() (avg, peak float64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0, 0, 0
	}
	var sum float64
	for i := 0; i < r.count; i++ {
		sample := r.samples[i]
		sum += sample
		if sample > peak {
			peak = sample
		}
	}
	return sum / float64(r.count), peak, r.count
}
