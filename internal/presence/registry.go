// Package presence tracks which connections have identified themselves.
package presence

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/samber/lo"
)

// Identity is what a connection declares about itself on identify.
type Identity struct {
	Name    string
	Kind    protocol.ParticipantKind
	AILabel string
}

type entry struct {
	participant protocol.Participant
	seq         uint64
}

// Registry maps live connection IDs to participants. It is safe for
// concurrent use.
type Registry struct {
	uniqueNames bool
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	seq     uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithUniqueNames rejects a registration whose display name is already used
// by another live connection.
func WithUniqueNames(enabled bool) Option {
	return func(r *Registry) { r.uniqueNames = enabled }
}

// WithClock overrides the time source used for JoinedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or replaces the participant for connID. A replaced entry
// keeps its original position in Snapshot.
func (r *Registry) Register(connID string, id Identity) (protocol.Participant, error) {
	if connID == "" {
		return protocol.Participant{}, fmt.Errorf("%w: empty connection id", errs.ErrUnknownConnection)
	}
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return protocol.Participant{}, fmt.Errorf("%w: display name required", errs.ErrInvalidPayload)
	}
	kind := id.Kind
	if kind == "" {
		kind = protocol.ParticipantHuman
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.uniqueNames {
		for otherID, e := range r.entries {
			if otherID != connID && strings.EqualFold(e.participant.Name, name) {
				return protocol.Participant{}, fmt.Errorf("%w: %q", errs.ErrDuplicateIdentity, name)
			}
		}
	}

	p := protocol.Participant{
		ConnectionID: connID,
		Name:         name,
		Kind:         kind,
		AILabel:      strings.TrimSpace(id.AILabel),
		Connected:    true,
		JoinedAt:     r.now().UTC(),
	}
	if prev, ok := r.entries[connID]; ok {
		p.JoinedAt = prev.participant.JoinedAt
		r.entries[connID] = entry{participant: p, seq: prev.seq}
		return p, nil
	}
	r.seq++
	r.entries[connID] = entry{participant: p, seq: r.seq}
	return p, nil
}

// Unregister removes connID and returns the prior participant. ok is false
// when the connection never identified.
func (r *Registry) Unregister(connID string) (protocol.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return protocol.Participant{}, false
	}
	delete(r.entries, connID)
	return e.participant, true
}

// Lookup returns the participant registered for connID.
func (r *Registry) Lookup(connID string) (protocol.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connID]
	return e.participant, ok
}

// Snapshot returns all participants in registration order.
func (r *Registry) Snapshot() []protocol.Participant {
	r.mu.RLock()
	entries := lo.Values(r.entries)
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return lo.Map(entries, func(e entry, _ int) protocol.Participant {
		return e.participant
	})
}

// Count returns the number of identified connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
