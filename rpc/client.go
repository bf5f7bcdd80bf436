package rpc

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
)

var (
	errClientClosed  = errors.New("client connection closed")
	errSendQueueFull = errors.New("client send queue full")
)

type ConnectionOptions struct {
	SendQueueSize  int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func ConnectionOptionsFromConfig(cfg config.ConnectionConfig) ConnectionOptions {
	return ConnectionOptions{
		SendQueueSize:  cfg.SendQueueSize,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingPeriod:     (cfg.PongWait * 9) / 10,
		MaxMessageSize: 4096,
	}
}

// client is the websocket side of one connection. Send only queues the
// frame; writePump owns every write to the socket.
type client struct {
	conn *websocket.Conn
	opts ConnectionOptions

	mu     sync.Mutex
	outbox deque.Deque[[]byte]
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newClient(conn *websocket.Conn, opts ConnectionOptions) *client {
	return &client{
		conn: conn,
		opts: opts,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Send queues frame. A full queue means the client cannot keep up and is
// reported as a delivery failure.
func (c *client) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if c.outbox.Len() >= c.opts.SendQueueSize {
		c.mu.Unlock()
		return errSendQueueFull
	}
	c.outbox.PushBack(frame)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting frames. Queued frames are still written before the
// close message.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.wake:
			if err := c.flush(); err != nil {
				logger.WithError(err).Debug("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-c.done:
			if err := c.flush(); err != nil {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}

func (c *client) flush() error {
	for {
		c.mu.Lock()
		if c.outbox.Len() == 0 {
			c.mu.Unlock()
			return nil
		}
		frame := c.outbox.PopFront()
		c.mu.Unlock()

		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
}
