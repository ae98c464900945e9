// Package client is the peer side of the relay protocol: it asks to be
// admitted, echoes liveness probes and exchanges application messages.
package client

import (
	"context"
	"errors"
	"sync"

	"wsrelay/datamodel/peer"
	"wsrelay/net/dispatch"
	"wsrelay/net/envelope"
	"wsrelay/net/wsconn"
	"wsrelay/relay/protocol"
	"wsrelay/token"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

type Options struct {
	ID     uuid.UUID // Peer identifier, random when zero
	Host   string    // Host announced to the relay
	Port   int       // Port announced to the relay
	Silent bool      // Never answer probes

	Conn wsconn.Options
}

type Client struct {
	identity peer.Identity
	conn     *wsconn.Conn
	table    *dispatch.Table
	silent   bool

	mu         sync.Mutex
	server     peer.ServerIdentity
	firstToken token.Token
	lastToken  token.Token
	accepted   chan struct{}
	acceptOnce sync.Once
}

// Dial connects to the relay at url. Admission is requested by Run.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, err := wsconn.Dial(ctx, url, opts.Conn)
	if err != nil {
		return nil, err
	}
	return newClient(conn, opts), nil
}

func newClient(conn *wsconn.Conn, opts Options) *Client {
	if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}

	c := &Client{
		identity: peer.Identity{ID: opts.ID, Host: opts.Host, Port: opts.Port},
		conn:     conn,
		table:    dispatch.NewTable(),
		silent:   opts.Silent,
		accepted: make(chan struct{}),
	}
	c.table.Builtin(protocol.MethodServerAcceptedConnect, dispatch.HandlerFunc(c.handleAccepted))
	c.table.Builtin(protocol.MethodServerProbe, dispatch.HandlerFunc(c.handleProbe))
	return c
}

func (c *Client) Identity() peer.Identity {
	return c.identity
}

// Handle registers an application handler. The protocol methods are reserved.
func (c *Client) Handle(method string, h dispatch.Handler) error {
	return c.table.Handle(method, h)
}

func (c *Client) HandleFunc(method string, f func(origin dispatch.Origin, env *envelope.Envelope)) error {
	return c.table.HandleFunc(method, f)
}

// Send queues {method, params} for the relay.
func (c *Client) Send(method string, params any) error {
	data, err := envelope.Encode(method, params)
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

// Accepted is closed once the relay acknowledged this peer.
func (c *Client) Accepted() <-chan struct{} {
	return c.accepted
}

// Server returns what the relay told us on admission, and the first token.
func (c *Client) Server() (peer.ServerIdentity, token.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server, c.firstToken
}

// LastToken returns the token of the most recent probe.
func (c *Client) LastToken() token.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastToken
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run requests admission and handles messages until ctx is cancelled or the
// connection fails.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Send(protocol.MethodClientRequestConnect, &c.identity); err != nil {
		return err
	}
	log.Infof("client: requested admission as %s", c.identity.ID)

	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-c.conn.Closed():
		}
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		env, err := envelope.Decode(data)
		if err != nil {
			log.Warnf("client: dropping message: %v", err)
			continue
		}

		err = c.table.Dispatch(c.conn, env)
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrUnroutable):
			log.Debugf("client: %v", err)
		default:
			log.Errorf("client: %v", err)
		}
	}
}

// Built-in: server_accepted_connect. Acknowledgements go to every peer, only ours counts.
func (c *Client) handleAccepted(origin dispatch.Origin, env *envelope.Envelope) {
	var ack protocol.ConnectAccepted
	if err := env.DecodeParams(&ack); err != nil {
		log.Warnf("client: bad admission acknowledgement: %v", err)
		return
	}
	if ack.SendToUUID != c.identity.ID {
		log.Debugf("client: relay admitted %s, %d peers", ack.SendToUUID, ack.NumClients)
		return
	}

	c.mu.Lock()
	c.server = peer.ServerIdentity{ID: ack.ID, Port: ack.Port, NumClients: ack.NumClients}
	c.firstToken = ack.FirstRefreshID
	c.mu.Unlock()

	c.acceptOnce.Do(func() {
		close(c.accepted)
	})
	log.Infof("client: admitted by relay %s, %d peers", ack.ID, ack.NumClients)
}

// Built-in: server_probe
func (c *Client) handleProbe(origin dispatch.Origin, env *envelope.Envelope) {
	var probe protocol.Probe
	if err := env.DecodeParams(&probe); err != nil {
		log.Warnf("client: bad probe: %v", err)
		return
	}

	c.mu.Lock()
	c.lastToken = probe.RefreshID
	c.mu.Unlock()

	if c.silent {
		return
	}

	err := c.Send(protocol.MethodClientReturnProbe, &protocol.ProbeReturn{
		ID:        c.identity.ID,
		RefreshID: probe.RefreshID,
	})
	if err != nil {
		log.Warnf("client: answering probe: %v", err)
	}
}
