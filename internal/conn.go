package internal

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024

	// outbound queue depth per connection; a consumer that falls this far
	// behind is disconnected rather than allowed to stall fan-out.
	sendQueueSize = 256
)

// Connection lifecycle. Closed is terminal and reachable from every prior
// state on transport failure or logout.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateActive
	stateClosed
)

// Client wraps one websocket connection bound to exactly one identity. All
// outbound traffic goes through the buffered send queue so a slow reader
// never blocks the router for others.
type Client struct {
	server   *Server
	conn     *websocket.Conn
	identity Identity

	send chan []byte
	done chan struct{}

	state    atomic.Int32
	stopOnce sync.Once
}

func newClient(server *Server, conn *websocket.Conn, identity Identity) *Client {
	client := &Client{
		server:   server,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
	client.state.Store(int32(stateConnecting))
	return client
}

func (c *Client) setState(s connState) {
	if connState(c.state.Load()) == stateClosed {
		return
	}
	c.state.Store(int32(s))
}

func (c *Client) active() bool {
	return connState(c.state.Load()) == stateActive
}

// enqueue queues an encoded event for delivery. A full queue means the
// consumer cannot keep up; the connection is shut down and pending sends
// for it are abandoned.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.shutdown()
		return false
	}
}

// shutdown signals the write pump to close the transport. Safe to call from
// any goroutine, any number of times.
func (c *Client) shutdown() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.done)
	})
}

// readPump is the connection's single inbound worker. Every inbound event
// is decoded here and handed to the router; when the transport dies, the
// deferred cleanup converges with the voluntary-close path.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
		c.server.dropClient(c)
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			// normal close or read error; deferred cleanup runs.
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.server.sendError(c, validationErr("malformed event envelope"))
			continue
		}
		c.server.route(c, envelope)
	}
}

// writePump owns all writes to the websocket: queued events, pings, and the
// final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
