package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

const (
	sendChSize = 1024
	writeWait  = 10 * time.Second
	ackTimeout = 10 * time.Second
)

var errConnClosed = errors.New("relay connection closed")

// connection manages a WebSocket connection with a single write goroutine.
// A lost connection is final: pending requests fail and onLost fires once.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	sendCh  chan []byte
	done    chan struct{} // closed on shutdown or loss
	closed  bool
	pending map[string]chan streaming.AckPayload

	onMessage func(streaming.Envelope)
	onLost    func(error)

	logger *slog.Logger
}

func newConnection(logger *slog.Logger, onMessage func(streaming.Envelope), onLost func(error)) *connection {
	return &connection{
		sendCh:    make(chan []byte, sendChSize),
		done:      make(chan struct{}),
		pending:   make(map[string]chan streaming.AckPayload),
		onMessage: onMessage,
		onLost:    onLost,
		logger:    logger,
	}
}

// dial connects to the WebSocket server and starts read/write loops.
func (c *connection) dial(ctx context.Context, wsURL string) error {
	conn, _, err := ws.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: websocket dial failed: %w", storage.ErrRemoteUnavailable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)
	return nil
}

// writeLoop drains sendCh and writes messages to the WebSocket.
func (c *connection) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.lose(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.lose(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// readLoop routes acks to their waiting request and everything else to
// onMessage, in arrival order.
func (c *connection) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.lose(fmt.Errorf("read: %w", err))
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("Ignoring non-envelope message", "raw", string(message))
			continue
		}

		if env.Type == streaming.TypeAck {
			var ack streaming.AckPayload
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &ack); err != nil {
					ack.Error = "malformed ack: " + err.Error()
				}
			}
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- ack
			}
			continue
		}
		c.onMessage(env)
	}
}

// lose tears the connection down after an unexpected error.
func (c *connection) lose(err error) {
	if c.shutdown() {
		c.logger.Warn("Relay connection lost", "error", err)
		c.onLost(fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, err))
	}
}

// shutdown closes everything once and reports whether this call did it.
func (c *connection) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	clear(c.pending)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return true
}

// send pushes data to the write loop without waiting for an ack.
func (c *connection) send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

// request sends an envelope and blocks until the matching ack, the timeout
// or ctx expiry.
func (c *connection) request(ctx context.Context, msgType, id string, payload any) error {
	data, err := streaming.Marshal(msgType, id, payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	ch := make(chan streaming.AckPayload, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, errConnClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.send(data); err != nil {
		forget()
		return fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack.Error != "" {
			return fmt.Errorf("%s rejected: %s", msgType, ack.Error)
		}
		return nil
	case <-timer.C:
		forget()
		return fmt.Errorf("%w: timeout waiting for ack of %s %s", storage.ErrRemoteUnavailable, msgType, id)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: connection closed while waiting for ack of %s", storage.ErrRemoteUnavailable, msgType)
	}
}
