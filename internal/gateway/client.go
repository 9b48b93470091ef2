// ABOUTME: One WebSocket connection with a bounded outbound queue and byte accounting
// ABOUTME: A single writer goroutine owns socket writes and performs the close handshake

package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/protocol"
)

const (
	clientQueueSize    = 512
	clientWriteTimeout = 10 * time.Second
	clientDrainTimeout = time.Second
)

// enqueueResult reports what happened to a frame offered to a client.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	dropped
	closedSlow
	closedAlready
)

type closeRequest struct {
	code   websocket.StatusCode
	reason string
	flush  bool
}

// Client is the server side of one handshaken WebSocket connection.
type Client struct {
	id          string
	remoteAddr  string
	info        protocol.ClientInfo
	auth        auth.Result
	presenceKey string
	connectedAt time.Time

	conn *websocket.Conn
	// closer performs the close handshake; tests replace it.
	closer func(code websocket.StatusCode, reason string)

	send        chan []byte
	buffered    atomic.Int64
	maxBuffered int64

	done      chan struct{}
	closeOnce sync.Once
	closing   closeRequest
	written   chan struct{}
}

func newClient(id string, conn *websocket.Conn, info protocol.ClientInfo, maxBuffered int64) *Client {
	c := &Client{
		id:          id,
		info:        info,
		conn:        conn,
		send:        make(chan []byte, clientQueueSize),
		maxBuffered: maxBuffered,
		done:        make(chan struct{}),
		written:     make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.closer = func(code websocket.StatusCode, reason string) {
		if c.conn != nil {
			_ = c.conn.Close(code, reason)
		}
	}
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Mode returns the client mode declared at handshake.
func (c *Client) Mode() string { return c.info.Mode }

// Buffered returns the number of queued but unwritten bytes.
func (c *Client) Buffered() int64 { return c.buffered.Load() }

// enqueue offers a frame to the client. A client above its byte budget, or
// whose queue is full, is slow: the frame is dropped when dropIfSlow is set,
// otherwise the client is closed with a policy violation.
func (c *Client) enqueue(frame []byte, dropIfSlow bool) enqueueResult {
	select {
	case <-c.done:
		return closedAlready
	default:
	}

	size := int64(len(frame))
	if c.buffered.Load()+size > c.maxBuffered {
		return c.slow(dropIfSlow)
	}

	c.buffered.Add(size)
	select {
	case c.send <- frame:
		return enqueued
	default:
		c.buffered.Add(-size)
		return c.slow(dropIfSlow)
	}
}

func (c *Client) slow(dropIfSlow bool) enqueueResult {
	if dropIfSlow {
		return dropped
	}
	c.Close(websocket.StatusPolicyViolation, protocol.CloseSlowConsumer, false)
	return closedSlow
}

// Close asks the writer to close the connection. With flush set, frames
// already queued are written first.
func (c *Client) Close(code websocket.StatusCode, reason string, flush bool) {
	c.closeOnce.Do(func() {
		c.closing = closeRequest{code: code, reason: reason, flush: flush}
		close(c.done)
	})
}

// closeStatus returns the requested close code and reason once Close has
// been called.
func (c *Client) closeStatus() (closeRequest, bool) {
	select {
	case <-c.done:
		return c.closing, true
	default:
		return closeRequest{}, false
	}
}

// Done is closed once the connection starts closing.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writePump() {
	defer close(c.written)

	for {
		select {
		case frame := <-c.send:
			c.buffered.Add(-int64(len(frame)))
			if err := c.write(frame, clientWriteTimeout); err != nil {
				c.Close(websocket.StatusInternalError, "write failed", false)
				c.closer(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			if c.closing.flush {
				c.drain()
			}
			c.closer(c.closing.code, c.closing.reason)
			return
		}
	}
}

func (c *Client) drain() {
	deadline := time.Now().Add(clientDrainTimeout)
	for {
		select {
		case frame := <-c.send:
			c.buffered.Add(-int64(len(frame)))
			if err := c.write(frame, time.Until(deadline)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}
