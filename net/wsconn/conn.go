// Package wsconn provides message-oriented WebSocket connections: a server that
// upgrades HTTP requests and a dialer for peers. Each connection owns a writer
// goroutine fed by a bounded send queue, so Send never blocks the caller.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

var (
	ErrClosed        = errors.New("wsconn: connection closed")
	ErrSendQueueFull = errors.New("wsconn: send queue full")
)

type Options struct {
	SendQueue      int           // Outgoing messages buffered per connection
	WriteWait      time.Duration // Deadline for a single write
	PongWait       time.Duration // Read deadline, extended by every pong
	MaxMessageSize int64         // Largest inbound message accepted
}

func DefaultOptions() Options {
	return Options{
		SendQueue:      64,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 1024 * 1024,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SendQueue <= 0 {
		o.SendQueue = def.SendQueue
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	return o
}

// pings go out well within the peer's read deadline
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

var lastConnID atomic.Uint64

// Conn is one WebSocket connection. Reads are done by a single reader; sends
// may come from any goroutine.
type Conn struct {
	id     uint64
	ws     *websocket.Conn
	opts   Options
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:     lastConnID.Add(1),
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendQueue),
		closed: make(chan struct{}),
	}

	ws.SetReadLimit(opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.writeLoop()
	return c
}

// ID is unique among all connections of this process and never zero.
func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Closed is closed once the connection is shut down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Send queues one text message. It fails fast with ErrClosed or ErrSendQueueFull.
func (c *Conn) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// ReadMessage blocks until the next text or binary message arrives.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.IsOpen() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.opts.pingPeriod())
	defer ping.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("wsconn.Conn: write to %s failed: %v", c.RemoteAddr(), err)
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Debugf("wsconn.Conn: ping to %s failed: %v", c.RemoteAddr(), err)
				c.Close()
				return
			}
		}
	}
}

// Dial connects to a relay at url, e.g. ws://localhost:3000/ws.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newConn(ws, opts), nil
}
