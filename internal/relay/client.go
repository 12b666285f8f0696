package relay

import (
	"encoding/json"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

const (
	sendChSize     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 << 20 // a map upload plus envelope
)

// client is one websocket session. All writes go through sendCh and a single
// write goroutine.
type client struct {
	id      string
	uid     string
	conn    *ws.Conn
	sendCh  chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newClient(id, uid string, conn *ws.Conn, limit rate.Limit, burst int, logger zerolog.Logger) *client {
	return &client{
		id:      id,
		uid:     uid,
		conn:    conn,
		sendCh:  make(chan []byte, sendChSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("client", id).Str("uid", uid).Logger(),
	}
}

// send queues a message. A client that cannot keep up is disconnected.
func (c *client) send(msgType, id string, payload any) bool {
	data, err := streaming.Marshal(msgType, id, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal message")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn().Msg("Send buffer full, dropping slow client")
		c.close()
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop decodes envelopes and hands them to handle until the socket
// closes.
func (c *client) readLoop(handle func(*client, streaming.Envelope)) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}
		var env streaming.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		handle(c, env)
	}
}
