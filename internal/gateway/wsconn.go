package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chozzz/agentfabric/internal/protocol"
)

// wsConn adapts a *websocket.Conn to Connection. One frame per socket
// message; writes are serialized with a mutex since gorilla/websocket
// forbids concurrent writers on one connection.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWSConnection wraps an established WebSocket connection as a Connection.
func NewWSConnection(conn *websocket.Conn) Connection {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Recv() (*protocol.Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		f, err := protocol.Decode(data)
		if err != nil {
			// Malformed frame: dropped silently, keep reading rather
			// than tearing down the connection.
			continue
		}
		return f, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
