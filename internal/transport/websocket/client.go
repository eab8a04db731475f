package websocket

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/OCAP2/killcam/internal/queue"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
	ws "github.com/gorilla/websocket"
)

const (
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
)

// ClientConfig holds the client connection settings.
type ClientConfig struct {
	URL       string
	Entity    core.EntityID
	QueueSize int
}

// Client is a relay connection with a single write goroutine. It reconnects
// with exponential backoff when the connection drops.
type Client struct {
	mu       sync.Mutex
	conn     *ws.Conn
	sendCh   chan []byte
	done     chan struct{}
	closed   bool
	incoming *queue.Queue[*streaming.Chunk]

	url    string
	logger *slog.Logger
}

var _ transport.Conn = (*Client)(nil)

// Dial connects to the relay and starts the read and write loops.
func Dial(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("entity", strconv.Itoa(int(cfg.Entity)))
	u.RawQuery = q.Encode()

	c := &Client{
		sendCh:   make(chan []byte, sendChSize),
		done:     make(chan struct{}),
		incoming: queue.New[*streaming.Chunk](cfg.QueueSize),
		url:      u.String(),
		logger:   logger,
	}
	conn, _, err := ws.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	c.conn = conn
	go c.writeLoop(conn)
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) Incoming() *queue.Queue[*streaming.Chunk] { return c.incoming }

// SendChunk queues c for the write loop. It never blocks.
func (c *Client) SendChunk(ch *streaming.Chunk) error {
	frame, err := ch.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return transport.ErrPeerBacklog
	}
}

func (c *Client) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				go c.reconnect(conn)
				return
			}
			if err := conn.WriteMessage(ws.BinaryMessage, frame); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect(conn)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *ws.Conn) {
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect(conn)
			return
		}
		if kind != ws.BinaryMessage {
			continue
		}
		ch, err := streaming.Unmarshal(msg)
		if err != nil {
			c.logger.Warn("Dropping malformed chunk from relay", "error", err)
			continue
		}
		if !c.incoming.Push(ch) {
			c.logger.Warn("Incoming chunk queue full, dropping")
		}
	}
}

// reconnect replaces broken with a fresh connection. Both loops may report
// the same failure; only the first caller redials.
func (c *Client) reconnect(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	_ = broken.Close()
	c.conn = nil
	c.mu.Unlock()

	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to relay", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, _, err := ws.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("Relay reconnected", "attempt", attempt)
		go c.writeLoop(conn)
		go c.readLoop(conn)
		return
	}

	c.logger.Error("Relay reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// Close sends a close frame and stops both loops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}
