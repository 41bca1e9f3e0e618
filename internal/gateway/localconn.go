package gateway

import (
	"errors"
	"sync"

	"github.com/chozzz/agentfabric/internal/protocol"
)

// ErrConnectionClosed is returned by Recv/Send once a LocalConn has been
// closed. The broker does not distinguish it from other Recv errors: any
// error ends the connection.
var ErrConnectionClosed = errors.New("gateway: connection closed")

// localConn is one half of an in-process Connection pair (see NewLocalPair).
// In-process services never speak real WebSocket frames to the broker —
// they exchange *protocol.Frame directly over buffered channels, which
// keeps same-process latency to a channel send and sidesteps JSON
// encode/decode entirely.
type localConn struct {
	out chan *protocol.Frame // frames this side sends
	in  chan *protocol.Frame // frames this side receives

	closeOnce *sync.Once
	closed    chan struct{}
}

// NewLocalPair returns two connected ends: whatever is sent on one is
// received on the other. Used to wire a service's Client directly into the
// Broker without a socket, the same way the broker wires a WebSocket-based
// external client.
func NewLocalPair(depth int) (a, b Connection) {
	c1 := make(chan *protocol.Frame, depth)
	c2 := make(chan *protocol.Frame, depth)
	closed := make(chan struct{})
	once := &sync.Once{}
	left := &localConn{out: c1, in: c2, closed: closed, closeOnce: once}
	right := &localConn{out: c2, in: c1, closed: closed, closeOnce: once}
	return left, right
}

func (c *localConn) Send(f *protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

func (c *localConn) Recv() (*protocol.Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return f, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

func (c *localConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
