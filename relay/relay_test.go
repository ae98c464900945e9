package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wsrelay/datamodel/peer"
	"wsrelay/datastore/leveldb"
	"wsrelay/net/dispatch"
	"wsrelay/net/envelope"
	"wsrelay/relay/protocol"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startRelay runs r until the test ends. The mock clock never ticks on its
// own, so tests drive the prober through Prober().Cycle.
func startRelay(t *testing.T, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = clock.NewMock()
	}
	r := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return r
}

func connect(t *testing.T, r *Relay) *fakeConn {
	c := newFakeConn()
	go r.ServeConn(c)
	require.Eventually(t, func() bool {
		_, ok := r.conns.Get(c.ID())
		return ok
	}, 5*time.Second, time.Millisecond)
	return c
}

// admit connects a peer and waits for its acknowledgement
func admit(t *testing.T, r *Relay) (*fakeConn, peer.Identity) {
	c := connect(t, r)
	id := peer.Identity{ID: uuid.New(), Host: "localhost", Port: 4000}
	c.write(t, protocol.MethodClientRequestConnect, &id)

	require.Eventually(t, func() bool {
		for _, env := range c.received(protocol.MethodServerAcceptedConnect) {
			var ack protocol.ConnectAccepted
			if env.DecodeParams(&ack) == nil && ack.SendToUUID == id.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
	return c, id
}

func TestRelayAdmission(t *testing.T) {
	r := startRelay(t, Options{Port: 3000})

	c, id := admit(t, r)

	var ack protocol.ConnectAccepted
	require.NoError(t, c.waitFor(t, protocol.MethodServerAcceptedConnect).DecodeParams(&ack))
	assert.Equal(t, r.Server().ID, ack.ID)
	assert.Equal(t, 3000, ack.Port)
	assert.Equal(t, 1, ack.NumClients)
	assert.Equal(t, id.ID, ack.SendToUUID)
	assert.True(t, ack.FirstRefreshID.IsZero())

	peers := r.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, id, peers[0].Identity)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Metrics().admissions))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Metrics().peers))
}

func TestRelayAcknowledgementGoesToEveryone(t *testing.T) {
	r := startRelay(t, Options{})

	first, _ := admit(t, r)
	_, second := admit(t, r)

	// The first peer sees the second admission, addressed to someone else
	require.Eventually(t, func() bool {
		return len(first.received(protocol.MethodServerAcceptedConnect)) == 2
	}, 5*time.Second, time.Millisecond)

	var ack protocol.ConnectAccepted
	acks := first.received(protocol.MethodServerAcceptedConnect)
	require.NoError(t, acks[1].DecodeParams(&ack))
	assert.Equal(t, second.ID, ack.SendToUUID)
	assert.Equal(t, 2, ack.NumClients)
}

func TestRelayDuplicateAdmission(t *testing.T) {
	r := startRelay(t, Options{})

	_, id := admit(t, r)

	other := connect(t, r)
	other.write(t, protocol.MethodClientRequestConnect, &id)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.Metrics().rejections) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Len(t, r.Peers(), 1)
	assert.Equal(t, 1, r.Server().NumClients)
}

func TestRelayPassThrough(t *testing.T) {
	r := startRelay(t, Options{Broadcast: true})

	a, _ := admit(t, r)
	b, _ := admit(t, r)
	c, _ := admit(t, r)

	say := []byte(`{"method":"say","params":{"text":"hi"}}`)
	a.in <- say

	for _, recv := range []*fakeConn{b, c} {
		env := recv.waitFor(t, "say")
		assert.Equal(t, "say", env.Method)
		assert.Contains(t, recv.Sent(), say)
	}

	// Nothing handles "say" on the relay, it is still forwarded but never echoed back
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.Metrics().messages.WithLabelValues("unroutable")) >= 1
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, a.received("say"))
}

func TestRelayPassThroughToggle(t *testing.T) {
	r := startRelay(t, Options{})
	assert.False(t, r.Broadcasting())

	var mu sync.Mutex
	var said []string
	require.NoError(t, r.HandleFunc("say", func(origin dispatch.Origin, env *envelope.Envelope) {
		var p struct {
			Text string `json:"text"`
		}
		if env.DecodeParams(&p) != nil {
			return
		}
		mu.Lock()
		said = append(said, p.Text)
		mu.Unlock()
	}))

	a := connect(t, r)
	b := connect(t, r)

	a.write(t, "say", map[string]string{"text": "one"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(said) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, b.received("say"))

	r.SetBroadcast(true)
	a.write(t, "say", map[string]string{"text": "two"})
	b.waitFor(t, "say")

	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, said)
	mu.Unlock()
}

func TestRelayMalformedMessageIsDropped(t *testing.T) {
	r := startRelay(t, Options{Broadcast: true})

	a := connect(t, r)
	b := connect(t, r)

	a.in <- []byte("not json")
	a.in <- []byte(`{"params":{}}`)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.Metrics().messages.WithLabelValues("malformed")) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, b.Sent())

	// The connection is still served
	a.write(t, "hello", nil)
	b.waitFor(t, "hello")
}

func TestRelayReservedMethods(t *testing.T) {
	r := New(Options{Clock: clock.NewMock()})

	noop := func(dispatch.Origin, *envelope.Envelope) {}
	assert.ErrorIs(t, r.HandleFunc(protocol.MethodClientRequestConnect, noop), dispatch.ErrReservedMethod)
	assert.ErrorIs(t, r.HandleFunc(protocol.MethodClientReturnProbe, noop), dispatch.ErrReservedMethod)
	assert.NoError(t, r.HandleFunc("say", noop))
}

func TestRelayTransportClose(t *testing.T) {
	r := startRelay(t, Options{})

	a, idA := admit(t, r)
	_, idB := admit(t, r)

	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.Metrics().disconnects) == 1
	}, 5*time.Second, time.Millisecond)
	require.Len(t, r.Peers(), 1)
	assert.Equal(t, idB.ID, r.Peers()[0].Identity.ID)
	assert.Equal(t, 1, r.Server().NumClients)
	assert.Equal(t, 1, r.Connections())

	r.bindMu.Lock()
	_, ok := r.peerToConn[idA.ID]
	r.bindMu.Unlock()
	assert.False(t, ok)
}

func TestRelayProbeCycle(t *testing.T) {
	var mu sync.Mutex
	var evicted []Entry
	r := startRelay(t, Options{OnEvict: func(e Entry) {
		mu.Lock()
		evicted = append(evicted, e)
		mu.Unlock()
	}})
	ctx := context.Background()

	a, idA := admit(t, r)
	b, idB := admit(t, r)
	c, idC := admit(t, r)

	require.NoError(t, r.Prober().Cycle(ctx))
	tok := r.Prober().Token()

	for _, conn := range []*fakeConn{a, b, c} {
		var probe protocol.Probe
		require.NoError(t, conn.waitFor(t, protocol.MethodServerProbe).DecodeParams(&probe))
		assert.Equal(t, tok, probe.RefreshID)
		assert.Equal(t, r.Server().ID, probe.ID)
	}

	// B stays silent
	for _, p := range []struct {
		conn *fakeConn
		id   uuid.UUID
	}{{a, idA.ID}, {c, idC.ID}} {
		p.conn.write(t, protocol.MethodClientReturnProbe, &protocol.ProbeReturn{ID: p.id, RefreshID: tok})
	}
	require.Eventually(t, func() bool {
		n := 0
		for _, e := range r.Peers() {
			if e.LastSeenToken == tok {
				n++
			}
		}
		return n == 2
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, r.Prober().Cycle(ctx))

	assert.Equal(t, []uuid.UUID{idA.ID, idC.ID}, ids(r.Peers()))
	assert.Equal(t, 2, r.Server().NumClients)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Metrics().evictions))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.Metrics().cycles))

	mu.Lock()
	require.Len(t, evicted, 1)
	assert.Equal(t, idB.ID, evicted[0].Identity.ID)
	mu.Unlock()

	// Eviction leaves the connection open, B keeps receiving probes
	assert.False(t, b.isClosed())
	assert.Len(t, b.received(protocol.MethodServerProbe), 2)

	// A late echo from B is ignored
	b.write(t, protocol.MethodClientReturnProbe, &protocol.ProbeReturn{ID: idB.ID, RefreshID: tok})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.Metrics().messages.WithLabelValues("handled")) >= 6
	}, 5*time.Second, time.Millisecond)
	assert.Len(t, r.Peers(), 2)
}

func TestRelayReadmissionAfterEviction(t *testing.T) {
	r := startRelay(t, Options{})
	ctx := context.Background()

	old, id := admit(t, r)
	require.NoError(t, r.Prober().Cycle(ctx))
	require.NoError(t, r.Prober().Cycle(ctx))
	require.Empty(t, r.Peers())

	// Same peer comes back on a new connection, then the old one closes
	fresh := connect(t, r)
	fresh.write(t, protocol.MethodClientRequestConnect, &id)
	require.Eventually(t, func() bool {
		return len(r.Peers()) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, old.Close())
	require.Eventually(t, func() bool {
		return r.Connections() == 1
	}, 5*time.Second, time.Millisecond)
	assert.Len(t, r.Peers(), 1)
}

func TestRelayBroadcastExcept(t *testing.T) {
	r := startRelay(t, Options{})

	a, idA := admit(t, r)
	b, _ := admit(t, r)

	n, err := r.BroadcastExcept("notice", map[string]int{"n": 1}, idA.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b.waitFor(t, "notice")
	assert.Empty(t, a.received("notice"))

	n, err = r.BroadcastExcept("notice", nil, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.Broadcast("notice", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelayLedger(t *testing.T) {
	l, err := leveldb.NewLedger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	r := startRelay(t, Options{Ledger: l})
	ctx := context.Background()

	a, idA := admit(t, r)
	admit(t, r)
	require.NoError(t, r.Prober().Cycle(ctx))
	require.NoError(t, r.Prober().Cycle(ctx))
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return r.Connections() == 1
	}, 5*time.Second, time.Millisecond)

	evs, err := l.EnumerateBySeq(1, l.GetSeq()+1)
	require.NoError(t, err)
	kinds := make([]peer.EventKind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	// Both evicted on the second cycle, the close comes after
	assert.Equal(t, []peer.EventKind{peer.EventAdmitted, peer.EventAdmitted, peer.EventEvicted, peer.EventEvicted}, kinds)

	rec, err := l.Get(idA.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Admissions)
	assert.Equal(t, uint64(1), rec.Evictions)
	assert.Equal(t, "localhost", rec.Host)
}

func TestRelayRunsOnce(t *testing.T) {
	r := New(Options{Clock: clock.NewMock()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(t, r.running.Load, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, r.Run(ctx), ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestRelayShutdownClosesConnections(t *testing.T) {
	r := New(Options{Clock: clock.NewMock()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	a := connect(t, r)
	b := connect(t, r)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())

	// Connections arriving after shutdown are not served
	late := newFakeConn()
	r.ServeConn(late)
	assert.Zero(t, r.Connections())
}

func TestRelayStatusHandler(t *testing.T) {
	r := startRelay(t, Options{Port: 3000})
	_, id := admit(t, r)
	require.NoError(t, r.HandleFunc("say", func(dispatch.Origin, *envelope.Envelope) {}))

	rec := httptest.NewRecorder()
	r.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3000, st.Server.Port)
	assert.Equal(t, 1, st.Server.NumClients)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, id.ID, st.Peers[0].Identity.ID)
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, "idle", st.Probe.State)
	assert.Equal(t, []string{protocol.MethodClientRequestConnect, protocol.MethodClientReturnProbe, "say"}, st.Methods)
}
