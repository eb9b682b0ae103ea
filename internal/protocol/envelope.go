package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound event names (client → server).
const (
	EventIdentify      = "identify"
	EventMessage       = "message"
	EventSummonCircuit = "summon-circuit"
	EventInitiateMesh  = "initiate-mesh"
	EventCircuitRelay  = "circuit-to-circuit"
)

// Outbound event names (server → client).
const (
	EventMessageHistory   = "message-history"
	EventNewMessage       = "new-message"
	EventNetworkUpdate    = "network-update"
	EventResonanceUpdate  = "resonance-update"
	EventCircuitSummoned  = "circuit-summoned"
	EventMeshActivated    = "mesh-activated"
	EventCircuitEmergence = "circuit-emergence"
)

// ClientEvent is a single frame received from a participant.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is a single frame sent to participants.
type ServerEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeFrame marshals an outbound event into a WebSocket text frame.
// Broadcasts encode once and hand the same bytes to every receiver.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(ServerEvent{Event: event, Data: raw})
}

// SendRequest is the JSON body for POST /api/messages.
type SendRequest struct {
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"type,omitempty"`
	Depth     *int        `json:"depth,omitempty"`
	Resonance *float64    `json:"resonance,omitempty"`
}

// MessageList is the response for GET /api/messages.
type MessageList struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// ParticipantList is the response for GET /api/participants.
type ParticipantList struct {
	Participants []Participant `json:"participants"`
	Count        int           `json:"count"`
}

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Status      string  `json:"status"`
	Connections int     `json:"connections"`
	Sockets     int     `json:"sockets"`
	Resonance   float64 `json:"resonance"`
	MeshActive  bool    `json:"meshActive"`
	Uptime      string  `json:"uptime"`
	UptimeSec   float64 `json:"uptime_seconds"`
}
