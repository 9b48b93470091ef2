// ABOUTME: One connected bridge node with its own bounded outbound queue
// ABOUTME: The writer goroutine owns the socket for writes and closes it on exit

package bridge

import (
	"net"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
)

const (
	nodeQueueSize = 256
	writeTimeout  = 10 * time.Second
	drainTimeout  = time.Second
)

// NodeInfo describes a connected node.
type NodeInfo struct {
	NodeID      string    `json:"nodeId"`
	DisplayName string    `json:"displayName,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
	ConnID      string    `json:"connId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Sessions    []string  `json:"sessions"`
}

// Node is the server side of one bridge connection.
type Node struct {
	info NodeInfo
	auth auth.Result
	conn net.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	written   chan struct{}
}

func newNode(info NodeInfo, conn net.Conn) *Node {
	return &Node{
		info:    info,
		conn:    conn,
		send:    make(chan []byte, nodeQueueSize),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

// Info returns the node's descriptor without its subscriptions.
func (n *Node) Info() NodeInfo {
	return n.info
}

// enqueue queues a frame, reporting false when the queue is full or the node
// is closing.
func (n *Node) enqueue(frame []byte) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the node after flushing frames already queued.
func (n *Node) Close() {
	n.closeOnce.Do(func() { close(n.done) })
}

// kill closes the socket immediately, discarding queued frames.
func (n *Node) kill() {
	n.Close()
	_ = n.conn.Close()
}

func (n *Node) writeLoop() {
	defer close(n.written)
	defer n.conn.Close()

	for {
		select {
		case frame := <-n.send:
			if err := n.write(frame, writeTimeout); err != nil {
				n.Close()
				return
			}
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *Node) drain() {
	deadline := time.Now().Add(drainTimeout)
	for {
		select {
		case frame := <-n.send:
			if err := n.write(frame, time.Until(deadline)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (n *Node) write(frame []byte, timeout time.Duration) error {
	if err := n.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := n.conn.Write(frame)
	return err
}
