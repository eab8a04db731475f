package framed

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/OCAP2/killcam/internal/queue"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
)

// ClientConfig holds the client connection settings.
type ClientConfig struct {
	Protocol  string
	Addr      string
	Entity    core.EntityID
	QueueSize int
}

// Client is a framed relay connection.
type Client struct {
	conn      net.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	incoming  *queue.Queue[*streaming.Chunk]
	logger    *slog.Logger
}

var _ transport.Conn = (*Client)(nil)

// Dial connects to the relay and announces the client's entity.
func Dial(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dial(cfg.Protocol, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	hello := binary.LittleEndian.AppendUint16(nil, uint16(cfg.Entity))
	if err := writeFrame(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	c := &Client{
		conn:     conn,
		sendCh:   make(chan []byte, sendChSize),
		done:     make(chan struct{}),
		incoming: queue.New[*streaming.Chunk](cfg.QueueSize),
		logger:   logger,
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) Incoming() *queue.Queue[*streaming.Chunk] { return c.incoming }

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

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := writeFrame(c.conn, frame); err != nil {
				c.logger.Warn("Frame write error", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("Frame read error", "error", err)
				_ = c.Close()
			}
			return
		}
		ch, err := streaming.Unmarshal(frame)
		if err != nil {
			c.logger.Warn("Dropping malformed chunk from relay", "error", err)
			continue
		}
		if !c.incoming.Push(ch) {
			c.logger.Warn("Incoming chunk queue full, dropping")
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
