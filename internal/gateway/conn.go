// Package gateway implements the broker and the service client base: the
// in-process message bus that in-process service clients (cron, webhook and
// the control surface wired in internal/app) and every external loopback
// caller speak frames over. The broker binds to loopback only by default.
package gateway

import "github.com/chozzz/agentfabric/internal/protocol"

// Connection is one duplex frame stream. The broker holds one per
// registered service and per external WS client; a service's own Client
// holds exactly one back to the broker. Any ordered duplex — an in-process
// pair of channels or a real WebSocket — satisfies it; the frame layer has
// no transport opinion.
type Connection interface {
	// Send writes one frame. Implementations must allow concurrent Sends
	// (Client sends from several goroutines at once); both implementations
	// here do.
	Send(f *protocol.Frame) error

	// Recv blocks for the next inbound frame. Returns an error (including
	// io.EOF) once the connection is closed.
	Recv() (*protocol.Frame, error)

	// Close tears down the connection; concurrent Send/Recv return errors
	// afterward.
	Close() error
}
