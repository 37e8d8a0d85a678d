package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// WSChannel talks to the relay server's /ws/signal/:conversationId endpoint
type WSChannel struct {
	registry
	url     string
	token   string
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed bool
}

// WSFactory opens WSChannels against the relay at baseURL (ws:// or wss://)
// authenticated with token
func WSFactory(baseURL, token string, timeout time.Duration) Factory {
	return func(conversationID string) (Channel, error) {
		return NewWSChannel(baseURL, conversationID, token, timeout)
	}
}

func NewWSChannel(baseURL, conversationID, token string, timeout time.Duration) (*WSChannel, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/ws/signal/" + url.PathEscape(conversationID))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	return &WSChannel{
		url:     u.String(),
		token:   token,
		timeout: timeout,
		log:     log.With().Str("conversation_id", conversationID).Logger(),
	}, nil
}

func (c *WSChannel) Subscribe(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return StatusSubscribed, nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.timeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%v (status %d)", err, resp.StatusCode)
		}
		if ctx.Err() != nil || isTimeout(err) {
			return StatusTimedOut, fmt.Errorf("%w: %v", ErrSubscribe, err)
		}
		return StatusChannelError, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.done = done
	c.closed = false
	c.mu.Unlock()

	go c.writePump(conn, send, done)
	go c.readPump(conn)
	return StatusSubscribed, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

func (c *WSChannel) Send(ctx context.Context, msg models.Message) error {
	data, err := models.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotSubscribed
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

func (c *WSChannel) Unsubscribe() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)
	return nil
}

func (c *WSChannel) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			expected := c.closed
			if c.conn == conn {
				c.conn = nil
				close(c.done)
			}
			c.mu.Unlock()
			if !expected {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Error().Err(err).Msg("Relay connection lost")
				}
				c.notify(StatusChannelError)
			}
			return
		}
		c.deliver(data, c.log)
	}
}

func (c *WSChannel) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("Failed to write signaling frame")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
