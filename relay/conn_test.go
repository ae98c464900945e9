package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wsrelay/net/envelope"
	"wsrelay/net/wsconn"

	"github.com/stretchr/testify/require"
)

var lastFakeID atomic.Uint64

// fakeConn is an in-memory Conn. Messages written to in are read by the relay,
// everything the relay sends is kept in order.
type fakeConn struct {
	id       uint64
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	sendErr  error
	closeErr error

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:     lastFakeID.Add(1),
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ID() uint64 {
	return c.id
}

func (c *fakeConn) RemoteAddr() string {
	return "fake"
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return wsconn.ErrClosed
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, wsconn.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return c.closeErr
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) write(t *testing.T, method string, params any) {
	data, err := envelope.Encode(method, params)
	require.NoError(t, err)
	c.in <- data
}

// received returns the decoded messages with the given method
func (c *fakeConn) received(method string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, data := range c.Sent() {
		env, err := envelope.Decode(data)
		if err == nil && env.Method == method {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, method string) *envelope.Envelope {
	var env *envelope.Envelope
	require.Eventually(t, func() bool {
		got := c.received(method)
		if len(got) == 0 {
			return false
		}
		env = got[len(got)-1]
		return true
	}, 5*time.Second, time.Millisecond, "no %s received", method)
	return env
}
