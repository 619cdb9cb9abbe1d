package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/metrics"
	"github.com/parlorhq/parlor/internal/v1/protocol"
	"github.com/parlorhq/parlor/internal/v1/types"
)

const (
	// sendQueueFrames and maxPendingBytes bound the outbound queue. Crossing
	// either one forces a Backpressure close: drop the slow client, preserve
	// global ordering.
	sendQueueFrames = 256
	maxPendingBytes = 1 << 20

	// maxFrameBytes caps inbound frames well above the largest legal message.
	maxFrameBytes = 64 << 10

	writeWait = 10 * time.Second
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
}

// Client is one live connection: the read loop feeding the hub and the
// serialized write loop draining the outbound queue. It implements
// types.Sink for the presence registry's fan-out.
type Client struct {
	conn wsConnection
	hub  *Hub
	ID   types.UserIDType

	mu           sync.Mutex // Protects closed, pendingBytes and the close code
	closed       bool
	pendingBytes int
	closeCode    int
	closeReason  string
	closeOnce    sync.Once // Ensures send channel is only closed once

	send chan []byte // Buffered channel of outbound frames
}

// TrySend queues a frame for delivery. It never blocks: when the connection
// is closed it reports false, and when the outbound budget is exhausted it
// schedules the connection for a Backpressure close and reports false.
func (c *Client) TrySend(frame []byte) (ok bool) {
	// Safety net for the race between the closed check and a concurrent
	// Disconnect closing the channel.
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.send) >= cap(c.send) || c.pendingBytes+len(frame) > maxPendingBytes {
		c.mu.Unlock()
		logging.Warn(context.Background(), "Outbound queue overflow - dropping slow client",
			zap.String("userId", string(c.ID)))
		c.Disconnect(protocol.CloseBackpressure, "outbound queue overflow")
		return false
	}
	c.pendingBytes += len(frame)
	c.mu.Unlock()

	select {
	case c.send <- frame:
		return true
	default:
		// Lost a fill race; the queue really is full.
		c.mu.Lock()
		c.pendingBytes -= len(frame)
		c.mu.Unlock()
		c.Disconnect(protocol.CloseBackpressure, "outbound queue overflow")
		return false
	}
}

// Disconnect closes the connection with the given close code once the write
// pump has drained any frames queued before the call. Safe to call more than
// once; the first code wins.
func (c *Client) Disconnect(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()

		// Closing the channel makes writePump drain, send the close frame,
		// and close the underlying connection.
		close(c.send)
	})
}

// readPump reads inbound frames and dispatches them into the hub until the
// connection errors or closes, then unwinds the connection's registrations.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.Disconnect(websocket.CloseNormalClosure, "")
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.handleFrame(c, data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		frame, ok := <-c.send
		if !ok {
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logging.Error(context.Background(), "error writing frame", zap.Error(err))
			return
		}

		c.mu.Lock()
		c.pendingBytes -= len(frame)
		c.mu.Unlock()
	}
}
