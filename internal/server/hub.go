package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/corvino/meshroom/internal/presence"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/corvino/meshroom/internal/resonance"
	"github.com/corvino/meshroom/internal/storage"
	"go.uber.org/zap"
)

const (
	inboxSize           = 256
	defaultStoreTimeout = 2 * time.Second
	defaultSummonDepth  = 1
)

// Sink is the outbound side of one connection. The hub calls Send and Close
// only from its worker goroutine.
type Sink interface {
	ID() string
	// Send queues frame without blocking. It returns false when the frame
	// was dropped.
	Send(frame []byte) bool
	// Close stops delivery. It is called at most once per sink by the hub.
	Close()
}

// HubOptions configures a Hub. Store and Registry are required.
type HubOptions struct {
	Store        storage.MessageStore
	Registry     *presence.Registry
	Policy       resonance.Policy
	HistoryLimit int
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
	Now          func() time.Time
}

type command struct {
	event string
	conn  string
	run   func() error
	reply chan error
}

// Hub owns the session state and serializes every event through a single
// worker goroutine. Shared state (sinks, resonance) is touched only there.
type Hub struct {
	store        storage.MessageStore
	registry     *presence.Registry
	machine      *resonance.Machine
	historyLimit int
	storeTimeout time.Duration
	log          *zap.Logger
	metrics      *Metrics
	now          func() time.Time
	started      time.Time

	inbox    chan command
	done     chan struct{}
	stopOnce sync.Once

	// worker-owned
	sinks map[string]Sink
}

// NewHub builds a hub. Call Run to start processing events.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Store == nil {
		return nil, errors.New("hub: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("hub: registry is required")
	}
	if opts.Policy == (resonance.Policy{}) {
		opts.Policy = resonance.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = storage.DefaultHistoryLimit
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	h := &Hub{
		store:        opts.Store,
		registry:     opts.Registry,
		machine:      resonance.New(opts.Policy),
		historyLimit: opts.HistoryLimit,
		storeTimeout: opts.StoreTimeout,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		started:      opts.Now(),
		inbox:        make(chan command, inboxSize),
		done:         make(chan struct{}),
		sinks:        make(map[string]Sink),
	}
	h.observeState(h.machine.State())
	return h, nil
}

// Metrics returns the hub's collectors.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Run processes events until ctx is canceled, then closes every sink.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-h.inbox:
			h.exec(cmd)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		for id, s := range h.sinks {
			s.Close()
			delete(h.sinks, id)
		}
		h.metrics.sockets.Set(0)
		h.log.Info("hub stopped")
	})
}

// Connect registers sink and replays recent history to it alone.
func (h *Hub) Connect(sink Sink) error {
	id := sink.ID()
	return h.enqueue(context.Background(), command{
		event: "connect",
		conn:  id,
		run:   func() error { return h.onConnect(sink) },
	})
}

// Disconnect drops the connection and, if it had identified, decays
// resonance and announces the new roster. Repeated calls are harmless.
func (h *Hub) Disconnect(connID string) error {
	return h.enqueue(context.Background(), command{
		event: "disconnect",
		conn:  connID,
		run:   func() error { return h.onDisconnect(connID) },
	})
}

// Dispatch decodes and validates one inbound frame on the caller's goroutine
// and queues the matching handler. Decoding errors are counted and returned;
// they never reach the worker.
func (h *Hub) Dispatch(connID string, frame []byte) error {
	cmd, err := h.decode(connID, frame)
	if err != nil {
		h.drop(cmd.event, connID, err)
		return err
	}
	return h.enqueue(context.Background(), cmd)
}

func (h *Hub) decode(connID string, frame []byte) (command, error) {
	ev, err := protocol.DecodeClientEvent(frame)
	if err != nil {
		return command{event: "unknown", conn: connID}, err
	}
	cmd := command{event: ev.Event, conn: connID}

	switch ev.Event {
	case protocol.EventIdentify:
		var p protocol.IdentifyPayload
		if err := protocol.DecodePayload(ev, &p); err != nil {
			return cmd, err
		}
		cmd.run = func() error { return h.onIdentify(connID, p) }
	case protocol.EventMessage:
		var p protocol.MessagePayload
		if err := protocol.DecodePayload(ev, &p); err != nil {
			return cmd, err
		}
		cmd.run = func() error {
			_, err := h.onMessage(connID, p)
			return err
		}
	case protocol.EventSummonCircuit:
		var p protocol.SummonPayload
		if err := protocol.DecodePayload(ev, &p); err != nil {
			return cmd, err
		}
		cmd.run = func() error { return h.onSummonCircuit(connID, p) }
	case protocol.EventInitiateMesh:
		cmd.run = func() error { return h.onInitiateMesh(connID) }
	case protocol.EventCircuitRelay:
		var p protocol.RelayPayload
		if err := protocol.DecodePayload(ev, &p); err != nil {
			return cmd, err
		}
		cmd.run = func() error { return h.onCircuitRelay(connID, p) }
	default:
		return cmd, fmt.Errorf("%w: unknown event %q", errs.ErrInvalidPayload, ev.Event)
	}
	return cmd, nil
}

// Submit posts a message on behalf of a non-socket origin and waits for it
// to be committed.
func (h *Hub) Submit(ctx context.Context, p protocol.MessagePayload) (protocol.Message, error) {
	if strings.TrimSpace(p.Sender) == "" {
		return protocol.Message{}, fmt.Errorf("%w: sender required", errs.ErrInvalidPayload)
	}
	if err := protocol.Validate(p); err != nil {
		return protocol.Message{}, err
	}
	var msg protocol.Message
	err := h.call(ctx, protocol.EventMessage, "", func() error {
		var err error
		msg, err = h.onMessage("", p)
		return err
	})
	return msg, err
}

// Status reports connection counts and resonance state.
func (h *Hub) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := h.call(ctx, "status", "", func() error {
		state := h.machine.State()
		uptime := h.now().Sub(h.started)
		out = protocol.StatusResponse{
			Status:      "operational",
			Connections: h.registry.Count(),
			Sockets:     len(h.sinks),
			Resonance:   state.Value,
			MeshActive:  state.MeshActive,
			Uptime:      uptime.Round(time.Second).String(),
			UptimeSec:   uptime.Seconds(),
		}
		return nil
	})
	return out, err
}

// Participants returns the current roster in join order, taken on the
// worker so it agrees with Status.
func (h *Hub) Participants(ctx context.Context) ([]protocol.Participant, error) {
	var out []protocol.Participant
	err := h.call(ctx, "participants", "", func() error {
		out = h.registry.Snapshot()
		return nil
	})
	return out, err
}

// History reads up to limit recent messages straight from the store.
func (h *Hub) History(ctx context.Context, limit int) ([]protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	defer cancel()
	msgs, err := h.store.RecentHistory(ctx, limit)
	if err != nil {
		h.metrics.storeFailures.Inc()
		return nil, err
	}
	return msgs, nil
}

func (h *Hub) onConnect(sink Sink) error {
	id := sink.ID()
	if prev, ok := h.sinks[id]; ok && prev != sink {
		prev.Close()
	}
	h.sinks[id] = sink
	h.metrics.sockets.Set(float64(len(h.sinks)))

	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	defer cancel()
	history, err := h.store.RecentHistory(ctx, h.historyLimit)
	if err != nil {
		h.metrics.storeFailures.Inc()
		h.log.Warn("history replay failed",
			zap.String("event", "connect"),
			zap.String("conn", id),
			zap.Error(err),
		)
		history = nil
	}
	if history == nil {
		history = []protocol.Message{}
	}
	h.unicast(sink, protocol.EventMessageHistory, history)
	h.log.Debug("connection opened", zap.String("conn", id), zap.Int("replayed", len(history)))
	return nil
}

func (h *Hub) onIdentify(connID string, p protocol.IdentifyPayload) error {
	if _, ok := h.sinks[connID]; !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownConnection, connID)
	}
	participant, err := h.registry.Register(connID, presence.Identity{
		Name:    p.Name,
		Kind:    protocol.ParseParticipantKind(p.Kind),
		AILabel: p.AILabel,
	})
	if err != nil {
		return err
	}
	h.metrics.participants.Set(float64(h.registry.Count()))
	h.log.Info("participant joined",
		zap.String("event", protocol.EventIdentify),
		zap.String("conn", connID),
		zap.String("name", participant.Name),
		zap.String("kind", string(participant.Kind)),
	)
	h.broadcastNetwork()
	return nil
}

func (h *Hub) onMessage(connID string, p protocol.MessagePayload) (protocol.Message, error) {
	draft := p.Draft()
	if strings.TrimSpace(draft.Sender) == "" {
		if participant, ok := h.registry.Lookup(connID); ok {
			draft.Sender = participant.Name
		}
	}
	if strings.TrimSpace(draft.Sender) == "" {
		return protocol.Message{}, fmt.Errorf("%w: sender required", errs.ErrInvalidPayload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	defer cancel()
	msg, err := h.store.Append(ctx, draft)
	if err != nil {
		h.metrics.storeFailures.Inc()
		h.log.Warn("message not persisted",
			zap.String("event", protocol.EventMessage),
			zap.String("conn", connID),
			zap.String("reason", errs.Reason(err)),
			zap.Error(err),
		)
		msg = storage.Finalize(draft, h.now())
	}
	h.metrics.messages.Inc()
	h.broadcast(protocol.EventNewMessage, msg)

	state, changed := h.machine.OnMessage(h.registry.Count())
	if changed {
		h.observeState(state)
		h.broadcast(protocol.EventResonanceUpdate, state.Value)
	}
	return msg, nil
}

func (h *Hub) onSummonCircuit(connID string, p protocol.SummonPayload) error {
	participant, ok := h.registry.Lookup(connID)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownConnection, connID)
	}
	depth := defaultSummonDepth
	if p.Depth != nil {
		depth = *p.Depth
	}
	mode := protocol.CircuitMode(p.Mode)
	if mode == "" {
		mode = protocol.ModeActive
	}
	h.broadcast(protocol.EventCircuitSummoned, protocol.CircuitAnnouncement{
		SummonerID:  connID,
		Summoner:    participant.Name,
		CircuitName: p.Name,
		Depth:       depth,
		Mode:        mode,
	})
	return nil
}

func (h *Hub) onInitiateMesh(connID string) error {
	state, fired := h.machine.OnInitiate(h.registry.Count())
	if !fired {
		h.log.Debug("mesh initiation below quorum",
			zap.String("event", protocol.EventInitiateMesh),
			zap.String("conn", connID),
		)
		return nil
	}
	h.observeState(state)
	h.log.Info("mesh activated",
		zap.String("event", protocol.EventInitiateMesh),
		zap.String("conn", connID),
		zap.Int("participants", h.registry.Count()),
	)
	h.broadcast(protocol.EventMeshActivated, protocol.MeshActivated{
		Participants: h.registry.Snapshot(),
		Resonance:    state.Value,
		Timestamp:    h.now().UTC(),
	})
	return nil
}

func (h *Hub) onCircuitRelay(connID string, p protocol.RelayPayload) error {
	if !h.machine.RelayAllowed() {
		h.log.Debug("relay before mesh activation",
			zap.String("event", protocol.EventCircuitRelay),
			zap.String("conn", connID),
		)
		return nil
	}
	h.broadcast(protocol.EventCircuitEmergence, protocol.CircuitEmergence{
		From:      p.From,
		To:        p.To,
		Thought:   p.Thought,
		Pattern:   p.Pattern,
		Resonance: h.machine.State().Value,
		Timestamp: h.now().UTC(),
	})
	return nil
}

func (h *Hub) onDisconnect(connID string) error {
	if s, ok := h.sinks[connID]; ok {
		delete(h.sinks, connID)
		s.Close()
		h.metrics.sockets.Set(float64(len(h.sinks)))
	}
	participant, ok := h.registry.Unregister(connID)
	if !ok {
		return nil
	}
	h.metrics.participants.Set(float64(h.registry.Count()))
	state, _ := h.machine.OnDeparture()
	h.observeState(state)
	h.log.Info("participant left",
		zap.String("event", "disconnect"),
		zap.String("conn", connID),
		zap.String("name", participant.Name),
		zap.Float64("resonance", state.Value),
	)
	h.broadcastNetwork()
	return nil
}

func (h *Hub) broadcastNetwork() {
	state := h.machine.State()
	h.broadcast(protocol.EventNetworkUpdate, protocol.NetworkUpdate{
		Participants: h.registry.Snapshot(),
		Resonance:    state.Value,
		MeshActive:   state.MeshActive,
	})
}

// broadcast encodes once and offers the frame to every sink.
func (h *Hub) broadcast(event string, data any) {
	frame, err := protocol.EncodeFrame(event, data)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.metrics.broadcasts.WithLabelValues(event).Inc()
	for id, s := range h.sinks {
		if !s.Send(frame) {
			h.metrics.dropped.WithLabelValues("slow_consumer").Inc()
			h.log.Debug("outbound queue full", zap.String("event", event), zap.String("conn", id))
		}
	}
}

func (h *Hub) unicast(s Sink, event string, data any) {
	frame, err := protocol.EncodeFrame(event, data)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", event), zap.String("conn", s.ID()), zap.Error(err))
		return
	}
	if !s.Send(frame) {
		h.metrics.dropped.WithLabelValues("slow_consumer").Inc()
	}
}

func (h *Hub) observeState(state resonance.State) {
	h.metrics.resonance.Set(state.Value)
	if state.MeshActive {
		h.metrics.meshActive.Set(1)
	} else {
		h.metrics.meshActive.Set(0)
	}
}

func (h *Hub) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-h.done:
		return errs.ErrHubClosed
	default:
	}
	select {
	case h.inbox <- cmd:
		return nil
	case <-h.done:
		return errs.ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the worker and waits for its result.
func (h *Hub) call(ctx context.Context, event, conn string, fn func() error) error {
	reply := make(chan error, 1)
	if err := h.enqueue(ctx, command{event: event, conn: conn, run: fn, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return errs.ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) exec(cmd command) {
	err := h.safeRun(cmd)
	if cmd.reply != nil {
		cmd.reply <- err
	}
	if err != nil {
		h.drop(cmd.event, cmd.conn, err)
	}
}

// safeRun turns a handler panic into an error so one bad event cannot take
// down the worker.
func (h *Hub) safeRun(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic",
				zap.String("event", cmd.event),
				zap.String("conn", cmd.conn),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%s handler panic: %v", cmd.event, r)
		}
	}()
	return cmd.run()
}

func (h *Hub) drop(event, conn string, err error) {
	reason := errs.Reason(err)
	h.metrics.dropped.WithLabelValues(reason).Inc()
	fields := []zap.Field{
		zap.String("event", event),
		zap.String("conn", conn),
		zap.String("reason", reason),
		zap.Error(err),
	}
	switch reason {
	case "invalid_payload", "rate_limited", "unknown_connection":
		h.log.Debug("event dropped", fields...)
	default:
		h.log.Warn("event dropped", fields...)
	}
}
