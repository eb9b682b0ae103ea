package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// IdentifyPayload is the data of an identify event.
type IdentifyPayload struct {
	Name    string `json:"name" validate:"required,max=64"`
	Kind    string `json:"type" validate:"omitempty,oneof=human ai ai-proxy"`
	AILabel string `json:"aiName" validate:"omitempty,max=64"`
}

// MessagePayload is the data of a message event.
type MessagePayload struct {
	Sender    string   `json:"sender" validate:"max=64"`
	Content   string   `json:"content" validate:"required,max=32768"`
	Kind      string   `json:"type" validate:"omitempty,oneof=text code document thought emergence"`
	Depth     *int     `json:"depth" validate:"omitempty,gte=0"`
	Resonance *float64 `json:"resonance" validate:"omitempty,gte=0,lte=1"`
}

// SummonPayload is the data of a summon-circuit event.
type SummonPayload struct {
	Name  string `json:"name" validate:"required,max=64"`
	Depth *int   `json:"depth" validate:"omitempty,gte=0"`
	Mode  string `json:"mode" validate:"omitempty,oneof=active deep-thinking meshing"`
}

// RelayPayload is the data of a circuit-to-circuit event.
type RelayPayload struct {
	From    string `json:"from" validate:"required,max=64"`
	To      string `json:"to" validate:"required,max=64"`
	Thought string `json:"thought" validate:"required,max=32768"`
	Pattern string `json:"pattern" validate:"omitempty,max=256"`
}

// DecodeClientEvent parses a raw inbound frame.
func DecodeClientEvent(frame []byte) (ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ClientEvent{}, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}
	if ev.Event == "" {
		return ClientEvent{}, fmt.Errorf("%w: missing event name", errs.ErrInvalidPayload)
	}
	return ev, nil
}

// DecodePayload unmarshals ev.Data into v and validates its struct tags.
func DecodePayload(ev ClientEvent, v any) error {
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return fmt.Errorf("%w: %s requires data", errs.ErrInvalidPayload, ev.Event)
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrInvalidPayload, ev.Event, err)
	}
	return Validate(v)
}

// Validate checks v against its validate struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}
	return nil
}

// Draft converts a message payload into an unsaved Message.
func (p MessagePayload) Draft() Message {
	kind := MessageKind(p.Kind)
	if kind == "" {
		kind = KindText
	}
	return Message{
		Sender:    p.Sender,
		Content:   p.Content,
		Kind:      kind,
		Depth:     p.Depth,
		Resonance: p.Resonance,
	}
}

// Payload converts a REST send request into the equivalent message payload.
func (r SendRequest) Payload() MessagePayload {
	return MessagePayload{
		Sender:    r.Sender,
		Content:   r.Content,
		Kind:      string(r.Kind),
		Depth:     r.Depth,
		Resonance: r.Resonance,
	}
}
