package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/freitascorp/agentrelay/pkg/metrics"
)

// Conn is the minimal socket surface the relay needs. The relay owns a Conn
// once attached; the only legal operations are Send (subject to the open
// check) and Close. Implementations must be safe for concurrent use and
// must not block the caller: a slow peer is the implementation's problem,
// never the ingress loop's.
type Conn interface {
	// Send queues a text frame for delivery. Best effort: an error means
	// the frame was not accepted (socket closed or queue overflow).
	Send(data []byte) error
	// IsOpen reports whether the socket still accepts writes.
	IsOpen() bool
	// Close closes the socket with the given code and reason. Idempotent.
	Close(code int, reason string)
}

// DefaultWriteQueueSize bounds the per-socket outbound queue. Overflow
// closes the socket rather than stalling the relay.
const DefaultWriteQueueSize = 64

const writeTimeout = 10 * time.Second

// wsConn adapts a coder/websocket connection to the Conn interface with a
// bounded write queue drained by a single writer goroutine, so concurrent
// broadcasts never interleave frames and never block on a slow peer.
type wsConn struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	done    chan struct{}
	closed  atomic.Bool
	closeMu sync.Mutex
}

// NewWSConn wraps an accepted or dialed WebSocket connection. The returned
// Conn is live immediately; callers still own the read side.
func NewWSConn(conn *websocket.Conn, queueSize int) Conn {
	if queueSize <= 0 {
		queueSize = DefaultWriteQueueSize
	}
	c := &wsConn{
		conn:   conn,
		sendCh: make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Close(int(websocket.StatusAbnormalClosure), "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("socket closed")
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		// Queue overflow: the peer is not keeping up. Drop the socket so
		// the relay's broadcast path stays non-blocking.
		metrics.WriteQueueOverflows.Inc()
		c.Close(int(websocket.StatusPolicyViolation), "write queue overflow")
		return fmt.Errorf("write queue overflow")
	}
}

func (c *wsConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *wsConn) Close(code int, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.conn.Close(websocket.StatusCode(code), reason)
}
