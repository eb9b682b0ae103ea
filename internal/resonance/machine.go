// Package resonance implements the shared session scalar and its mesh latch.
//
// A Machine is not safe for concurrent use. The hub owns exactly one and
// drives it from its single worker goroutine.
package resonance

import (
	"fmt"
	"math"
)

// Policy holds the tunable constants of the state machine.
type Policy struct {
	Initial           float64
	Increment         float64
	Decay             float64
	Floor             float64
	MinParticipants   int
	ForceOnActivation bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial:           0.5,
		Increment:         0.01,
		Decay:             0.1,
		Floor:             0.5,
		MinParticipants:   2,
		ForceOnActivation: true,
	}
}

// Validate reports whether every knob is within range.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"initial":   p.Initial,
		"increment": p.Increment,
		"decay":     p.Decay,
		"floor":     p.Floor,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("resonance %s must be within [0,1], got %v", name, v)
		}
	}
	if p.MinParticipants < 1 {
		return fmt.Errorf("resonance min participants must be at least 1, got %d", p.MinParticipants)
	}
	return nil
}

// State is a point-in-time view of the machine.
type State struct {
	Value      float64
	MeshActive bool
}

// Machine holds the resonance value and mesh latch.
type Machine struct {
	policy     Policy
	value      float64
	meshActive bool
}

// New creates a machine starting at policy.Initial.
func New(policy Policy) *Machine {
	return &Machine{policy: policy, value: clamp(policy.Initial)}
}

// State returns the current value and latch.
func (m *Machine) State() State {
	return State{Value: m.value, MeshActive: m.meshActive}
}

// OnMessage raises resonance by the activity increment when enough
// participants are present. changed is false when the gate does not hold or
// the value is already saturated.
func (m *Machine) OnMessage(participants int) (State, bool) {
	if participants < m.policy.MinParticipants {
		return m.State(), false
	}
	return m.set(m.value + m.policy.Increment)
}

// OnInitiate latches the mesh when enough participants are present. fired
// reports whether the gate held; a fired transition is reported even when
// the mesh was already active.
func (m *Machine) OnInitiate(participants int) (State, bool) {
	if participants < m.policy.MinParticipants {
		return m.State(), false
	}
	m.meshActive = true
	if m.policy.ForceOnActivation {
		m.value = 1
	}
	return m.State(), true
}

// OnDeparture decays resonance toward the floor. A value already at or below
// the floor is left untouched.
func (m *Machine) OnDeparture() (State, bool) {
	if m.value <= m.policy.Floor {
		return m.State(), false
	}
	return m.set(math.Max(m.policy.Floor, m.value-m.policy.Decay))
}

// RelayAllowed reports whether circuit-to-circuit relay is open.
func (m *Machine) RelayAllowed() bool {
	return m.meshActive
}

func (m *Machine) set(v float64) (State, bool) {
	v = clamp(v)
	changed := v != m.value
	m.value = v
	return m.State(), changed
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
