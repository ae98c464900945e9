package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"wsrelay/datamodel/peer"

	log "github.com/sirupsen/logrus"
)

type ProbeStatus struct {
	State     string    `json:"state"`
	Cycles    uint64    `json:"cycles"`
	LastCycle time.Time `json:"lastCycle"`
}

// Status is a point-in-time view of the relay.
type Status struct {
	Server      peer.ServerIdentity `json:"server"`
	Peers       []Entry             `json:"peers"`
	Connections int                 `json:"connections"`
	Broadcast   bool                `json:"broadcast"`
	Methods     []string            `json:"methods"`
	Probe       ProbeStatus         `json:"probe"`
}

func (r *Relay) Status() *Status {
	cycles, last := r.prober.Cycles()
	srv, entries := r.registry.Snapshot()
	return &Status{
		Server:      srv,
		Peers:       entries,
		Connections: r.conns.Len(),
		Broadcast:   r.broadcast.Load(),
		Methods:     r.table.Methods(),
		Probe: ProbeStatus{
			State:     r.prober.State().String(),
			Cycles:    cycles,
			LastCycle: last,
		},
	}
}

// StatusHandler serves Status as JSON.
func (r *Relay) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Status()); err != nil {
			log.Warnf("relay: writing status to %s failed: %v", req.RemoteAddr, err)
		}
	})
}
