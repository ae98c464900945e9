// Package protocol defines the methods and params of the relay's built-in
// liveness protocol.
package protocol

import (
	"wsrelay/datamodel/peer"
	"wsrelay/token"

	"github.com/google/uuid"
)

const (
	MethodClientRequestConnect  = "client_request_connect"  // peer -> relay
	MethodServerAcceptedConnect = "server_accepted_connect" // relay -> all
	MethodServerProbe           = "server_probe"            // relay -> all
	MethodClientReturnProbe     = "client_return_probe"     // peer -> relay
)

// ConnectRequest is sent by a peer right after its connection opens.
type ConnectRequest = peer.Identity

// ConnectAccepted is broadcast after an admission. Peers other than SendToUUID ignore it.
type ConnectAccepted struct {
	ID             uuid.UUID   `json:"id"`             // Relay identifier
	Port           int         `json:"port"`           // Relay port
	NumClients     int         `json:"numClients"`     // Registry size including the new peer
	SendToUUID     uuid.UUID   `json:"sendToUUID"`     // Admitted peer
	FirstRefreshID token.Token `json:"firstRefreshID"` // Token of the current probe cycle
}

type Probe struct {
	RefreshID token.Token `json:"refreshID"` // Token to echo back
	ID        uuid.UUID   `json:"id"`        // Relay identifier
	Port      int         `json:"port"`      // Relay port
}

type ProbeReturn struct {
	ID        uuid.UUID   `json:"id"`        // Echoing peer
	RefreshID token.Token `json:"refreshID"` // Token received in the probe
}
