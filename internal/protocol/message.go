package protocol

import "time"

// MessageKind classifies the content of a message.
type MessageKind string

// Message kinds.
const (
	KindText      MessageKind = "text"
	KindCode      MessageKind = "code"
	KindDocument  MessageKind = "document"
	KindThought   MessageKind = "thought"
	KindEmergence MessageKind = "emergence"
)

// Message is a chat message as stored and broadcast. Messages are immutable
// once the store has assigned ID and CreatedAt.
type Message struct {
	ID        string      `json:"id"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"type"`
	CreatedAt time.Time   `json:"timestamp"`
	Depth     *int        `json:"depth,omitempty"`
	Resonance *float64    `json:"resonance,omitempty"`
}

// ParticipantKind distinguishes humans from AI-labeled participants.
type ParticipantKind string

// Participant kinds.
const (
	ParticipantHuman   ParticipantKind = "human"
	ParticipantAIProxy ParticipantKind = "ai-proxy"
)

// ParseParticipantKind maps the wire value to a ParticipantKind. The legacy
// value "ai" is accepted as ai-proxy; anything empty is human.
func ParseParticipantKind(s string) ParticipantKind {
	switch s {
	case "ai", string(ParticipantAIProxy):
		return ParticipantAIProxy
	default:
		return ParticipantHuman
	}
}

// Participant describes an identified connection.
type Participant struct {
	ConnectionID string          `json:"id"`
	Name         string          `json:"name"`
	Kind         ParticipantKind `json:"type"`
	AILabel      string          `json:"aiName,omitempty"`
	Connected    bool            `json:"connected"`
	JoinedAt     time.Time       `json:"joinedAt"`
}

// CircuitMode is the operating mode requested when summoning a circuit.
type CircuitMode string

// Circuit modes.
const (
	ModeActive       CircuitMode = "active"
	ModeDeepThinking CircuitMode = "deep-thinking"
	ModeMeshing      CircuitMode = "meshing"
)

// CircuitAnnouncement is broadcast once when a participant summons a circuit.
// It is never persisted.
type CircuitAnnouncement struct {
	SummonerID  string      `json:"summonerId"`
	Summoner    string      `json:"summoner"`
	CircuitName string      `json:"circuitName"`
	Depth       int         `json:"depth"`
	Mode        CircuitMode `json:"mode"`
}

// NetworkUpdate carries the presence snapshot and resonance state.
type NetworkUpdate struct {
	Participants []Participant `json:"participants"`
	Resonance    float64       `json:"resonance"`
	MeshActive   bool          `json:"meshActive"`
}

// MeshActivated is broadcast when the initiate-mesh transition fires.
type MeshActivated struct {
	Participants []Participant `json:"participants"`
	Resonance    float64       `json:"resonance"`
	Timestamp    time.Time     `json:"timestamp"`
}

// CircuitEmergence is a relayed circuit-to-circuit thought.
type CircuitEmergence struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Thought   string    `json:"thought"`
	Pattern   string    `json:"pattern,omitempty"`
	Resonance float64   `json:"resonance"`
	Timestamp time.Time `json:"timestamp"`
}
