package relay

import (
	"errors"

	"wsrelay/datamodel/peer"
	"wsrelay/net/dispatch"
	"wsrelay/net/envelope"
	"wsrelay/relay/protocol"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

// Built-in: client_request_connect
func (r *Relay) handleConnect(origin dispatch.Origin, env *envelope.Envelope) {
	var req protocol.ConnectRequest
	if err := env.DecodeParams(&req); err != nil {
		log.Warnf("relay: connection %d: bad admission request: %v", origin.ID(), err)
		return
	}
	if req.ID == uuid.Nil {
		log.Warnf("relay: connection %d: admission request without a peer id", origin.ID())
		return
	}

	if err := r.registry.Admit(req); err != nil {
		if errors.Is(err, ErrDuplicatePeer) {
			log.Warnf("relay: connection %d: peer %s is already admitted, request ignored", origin.ID(), req.ID)
			r.metrics.rejected()
			r.recordEvent(peer.EventRejected, req)
			return
		}
		log.Errorf("relay: connection %d: admitting %s: %v", origin.ID(), req.ID, err)
		return
	}

	r.bind(origin.ID(), req.ID)

	srv := r.registry.Server()
	log.Infof("relay: admitted peer %s (%s:%d) on connection %d, %d peers", req.ID, req.Host, req.Port, origin.ID(), srv.NumClients)

	r.metrics.admitted()
	r.metrics.setPeers(srv.NumClients)
	r.recordEvent(peer.EventAdmitted, req)

	_, err := r.conns.Broadcast(protocol.MethodServerAcceptedConnect, &protocol.ConnectAccepted{
		ID:             srv.ID,
		Port:           srv.Port,
		NumClients:     srv.NumClients,
		SendToUUID:     req.ID,
		FirstRefreshID: r.prober.Token(),
	}, 0)
	if err != nil {
		log.Errorf("relay: acknowledging %s: %v", req.ID, err)
	}
}

// Built-in: client_return_probe
func (r *Relay) handleProbeReturn(origin dispatch.Origin, env *envelope.Envelope) {
	var ret protocol.ProbeReturn
	if err := env.DecodeParams(&ret); err != nil {
		log.Warnf("relay: connection %d: bad probe return: %v", origin.ID(), err)
		return
	}

	if err := r.registry.RecordEcho(ret.ID, ret.RefreshID); err != nil {
		// Late echo from an evicted peer, or a peer that was never admitted
		log.Debugf("relay: connection %d: probe return from %s: %v", origin.ID(), ret.ID, err)
		return
	}

	r.recordSeen(ret.ID)
}

// recordEvent updates the peer's ledger record and appends to the history.
// Ledger failures are logged only.
func (r *Relay) recordEvent(kind peer.EventKind, id peer.Identity) {
	if r.ledger == nil {
		return
	}

	r.ledgerMu.Lock()
	defer r.ledgerMu.Unlock()

	now := r.clk.Now()

	if kind != peer.EventRejected {
		rec, err := r.ledger.Get(id.ID)
		if errors.Is(err, peer.ErrNotFound) {
			rec = &peer.Record{ID: id.ID}
		} else if err != nil {
			log.Errorf("relay: ledger lookup of %s failed: %v", id.ID, err)
			return
		}

		switch kind {
		case peer.EventAdmitted:
			rec.Host = id.Host
			rec.Port = id.Port
			if rec.FirstAdmitted.IsZero() {
				rec.FirstAdmitted = now
			}
			rec.LastAdmitted = now
			rec.LastSeen = now
			rec.Admissions++
		case peer.EventEvicted:
			rec.Evictions++
		case peer.EventDisconnected:
			rec.Disconnects++
		}

		if _, err := r.ledger.Put(rec); err != nil {
			log.Errorf("relay: ledger update of %s failed: %v", id.ID, err)
		}
	}

	ev, err := r.ledger.Append(&peer.Event{
		Kind:       kind,
		PeerID:     id.ID,
		Time:       now,
		NumClients: r.registry.Len(),
	})
	if err != nil {
		log.Errorf("relay: ledger append for %s failed: %v", id.ID, err)
		return
	}
	log.Debugf("relay: ledger event %d: %s %s", ev.SequenceNumber, kind, id.ID)
}

// recordSeen bumps LastSeen of a known ledger record
func (r *Relay) recordSeen(id uuid.UUID) {
	if r.ledger == nil {
		return
	}

	r.ledgerMu.Lock()
	defer r.ledgerMu.Unlock()

	rec, err := r.ledger.Get(id)
	if err != nil {
		if !errors.Is(err, peer.ErrNotFound) {
			log.Errorf("relay: ledger lookup of %s failed: %v", id, err)
		}
		return
	}

	rec.LastSeen = r.clk.Now()
	if _, err := r.ledger.Put(rec); err != nil {
		log.Errorf("relay: ledger update of %s failed: %v", id, err)
	}
}
