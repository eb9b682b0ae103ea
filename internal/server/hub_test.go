package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/corvino/meshroom/internal/presence"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/corvino/meshroom/internal/resonance"
	"github.com/corvino/meshroom/internal/storage"
	"github.com/corvino/meshroom/internal/storage/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	id     string
	frames chan []byte
	closed atomic.Bool
}

func newSink(id string) *recordingSink {
	return &recordingSink{id: id, frames: make(chan []byte, 256)}
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Send(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *recordingSink) Close() { s.closed.Store(true) }

func (s *recordingSink) expect(t *testing.T, event string) json.RawMessage {
	t.Helper()
	select {
	case frame := <-s.frames:
		var ev protocol.ServerEvent
		require.NoError(t, json.Unmarshal(frame, &ev))
		require.Equal(t, event, ev.Event, "sink %s: unexpected frame %s", s.id, frame)
		return ev.Data
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %s: timed out waiting for %s", s.id, event)
		return nil
	}
}

func (s *recordingSink) expectNone(t *testing.T) {
	t.Helper()
	require.Len(t, s.frames, 0, "sink %s has unexpected frames", s.id)
}

type failingStore struct {
	panics bool
}

func (f failingStore) Append(context.Context, protocol.Message) (protocol.Message, error) {
	if f.panics {
		panic("disk on fire")
	}
	return protocol.Message{}, fmt.Errorf("%w: disk full", storage.ErrUnavailable)
}

func (f failingStore) RecentHistory(context.Context, int) ([]protocol.Message, error) {
	return nil, fmt.Errorf("%w: disk full", storage.ErrUnavailable)
}

func (f failingStore) Close() error { return nil }

func newTestHub(t *testing.T, mutate ...func(*HubOptions)) (*Hub, func()) {
	t.Helper()
	opts := HubOptions{
		Store:    memory.New(100),
		Registry: presence.NewRegistry(),
		Logger:   zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h, err := NewHub(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	return h, func() {
		cancel()
		<-done
	}
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	ev := map[string]any{"event": event}
	if data != nil {
		ev["data"] = data
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// settle waits until every previously queued command has run.
func settle(t *testing.T, h *Hub) protocol.StatusResponse {
	t.Helper()
	st, err := h.Status(context.Background())
	require.NoError(t, err)
	return st
}

func connect(t *testing.T, h *Hub, id string) *recordingSink {
	t.Helper()
	s := newSink(id)
	require.NoError(t, h.Connect(s))
	s.expect(t, protocol.EventMessageHistory)
	return s
}

func identify(t *testing.T, h *Hub, id, name string) {
	t.Helper()
	require.NoError(t, h.Dispatch(id, frame(t, protocol.EventIdentify, map[string]string{"name": name, "type": "human"})))
}

func TestConnectReplaysHistoryToNewConnectionOnly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)

	store := memory.New(100)
	for i := 0; i < 3; i++ {
		_, err := store.Append(context.Background(), protocol.Message{Sender: "seed", Content: fmt.Sprintf("m%d", i)})
		req.NoError(err)
	}
	h, stop := newTestHub(t, func(o *HubOptions) { o.Store = store; o.HistoryLimit = 2 })
	defer stop()

	a := newSink("a")
	req.NoError(h.Connect(a))
	history := decode[[]protocol.Message](t, a.expect(t, protocol.EventMessageHistory))
	req.Len(history, 2)
	req.Equal("m1", history[0].Content)
	req.Equal("m2", history[1].Content)

	b := newSink("b")
	req.NoError(h.Connect(b))
	b.expect(t, protocol.EventMessageHistory)

	st := settle(t, h)
	a.expectNone(t)
	req.Equal(2, st.Sockets)
	req.Equal(0, st.Connections)
}

func TestEmptyHistoryIsAnArray(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h, stop := newTestHub(t)
	defer stop()

	s := newSink("a")
	require.NoError(t, h.Connect(s))
	raw := s.expect(t, protocol.EventMessageHistory)
	require.JSONEq(t, `[]`, string(raw))
}

func TestTwoParticipantSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	b := connect(t, h, "b")

	identify(t, h, "a", "Alice")
	for _, s := range []*recordingSink{a, b} {
		nu := decode[protocol.NetworkUpdate](t, s.expect(t, protocol.EventNetworkUpdate))
		req.Len(nu.Participants, 1)
		req.InDelta(0.5, nu.Resonance, 1e-9)
	}
	identify(t, h, "b", "Bob")
	for _, s := range []*recordingSink{a, b} {
		nu := decode[protocol.NetworkUpdate](t, s.expect(t, protocol.EventNetworkUpdate))
		req.Equal([]string{"Alice", "Bob"}, []string{nu.Participants[0].Name, nu.Participants[1].Name})
	}

	req.NoError(h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"sender": "Alice", "content": "hello"})))
	for _, s := range []*recordingSink{a, b} {
		msg := decode[protocol.Message](t, s.expect(t, protocol.EventNewMessage))
		req.Equal("Alice", msg.Sender)
		req.Equal("hello", msg.Content)
		req.Equal(protocol.KindText, msg.Kind)
		req.NotEmpty(msg.ID)
		req.InDelta(0.51, decode[float64](t, s.expect(t, protocol.EventResonanceUpdate)), 1e-9)
	}

	req.NoError(h.Disconnect("b"))
	nu := decode[protocol.NetworkUpdate](t, a.expect(t, protocol.EventNetworkUpdate))
	req.Len(nu.Participants, 1)
	req.Equal("Alice", nu.Participants[0].Name)
	req.InDelta(0.5, nu.Resonance, 1e-9)
	req.True(b.closed.Load())

	st := settle(t, h)
	req.Equal(1, st.Connections)
	req.Equal(1, st.Sockets)
	req.InDelta(0.5, st.Resonance, 1e-9)
	req.False(st.MeshActive)
	req.Equal("operational", st.Status)

	history, err := h.History(context.Background(), 10)
	req.NoError(err)
	req.Len(history, 1)
}

func TestMessageBelowQuorumLeavesResonance(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"content": "solo"})))
	msg := decode[protocol.Message](t, a.expect(t, protocol.EventNewMessage))
	req.Equal("Alice", msg.Sender, "sender falls back to the identified name")

	st := settle(t, h)
	a.expectNone(t)
	req.InDelta(0.5, st.Resonance, 1e-9)
}

func TestMessageWithoutAnySenderIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	require.NoError(t, h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"content": "who am i"})))
	settle(t, h)
	a.expectNone(t)
}

func TestInitiateMeshRequiresQuorum(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventInitiateMesh, nil)))
	st := settle(t, h)
	a.expectNone(t)
	req.False(st.MeshActive)

	b := connect(t, h, "b")
	identify(t, h, "b", "Bob")
	a.expect(t, protocol.EventNetworkUpdate)
	b.expect(t, protocol.EventNetworkUpdate)

	req.NoError(h.Dispatch("b", frame(t, protocol.EventInitiateMesh, nil)))
	for _, s := range []*recordingSink{a, b} {
		ma := decode[protocol.MeshActivated](t, s.expect(t, protocol.EventMeshActivated))
		req.Len(ma.Participants, 2)
		req.InDelta(1.0, ma.Resonance, 1e-9)
		req.False(ma.Timestamp.IsZero())
	}
	st = settle(t, h)
	req.True(st.MeshActive)
	req.InDelta(1.0, st.Resonance, 1e-9)
}

func TestRelayOnlyAfterActivation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	b := connect(t, h, "b")
	identify(t, h, "a", "Alice")
	identify(t, h, "b", "Bob")
	for _, s := range []*recordingSink{a, b} {
		s.expect(t, protocol.EventNetworkUpdate)
		s.expect(t, protocol.EventNetworkUpdate)
	}

	relay := map[string]string{"from": "Circuit-A", "to": "Circuit-B", "thought": "echo", "pattern": "spiral"}
	req.NoError(h.Dispatch("a", frame(t, protocol.EventCircuitRelay, relay)))
	settle(t, h)
	a.expectNone(t)
	b.expectNone(t)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventInitiateMesh, nil)))
	a.expect(t, protocol.EventMeshActivated)
	b.expect(t, protocol.EventMeshActivated)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventCircuitRelay, relay)))
	for _, s := range []*recordingSink{a, b} {
		ce := decode[protocol.CircuitEmergence](t, s.expect(t, protocol.EventCircuitEmergence))
		req.Equal("Circuit-A", ce.From)
		req.Equal("Circuit-B", ce.To)
		req.Equal("echo", ce.Thought)
		req.Equal("spiral", ce.Pattern)
		req.InDelta(1.0, ce.Resonance, 1e-9)
	}
}

func TestMeshLatchSurvivesDepartures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	connect(t, h, "b")
	identify(t, h, "a", "Alice")
	identify(t, h, "b", "Bob")
	req.NoError(h.Dispatch("a", frame(t, protocol.EventInitiateMesh, nil)))
	req.NoError(h.Disconnect("b"))

	st := settle(t, h)
	req.True(st.MeshActive)
	req.InDelta(0.9, st.Resonance, 1e-9)

	for len(a.frames) > 0 {
		<-a.frames
	}
	req.NoError(h.Dispatch("a", frame(t, protocol.EventCircuitRelay, map[string]string{"from": "x", "to": "y", "thought": "z"})))
	ce := decode[protocol.CircuitEmergence](t, a.expect(t, protocol.EventCircuitEmergence))
	req.InDelta(0.9, ce.Resonance, 1e-9)
}

func TestSummonCircuit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	req.NoError(h.Dispatch("a", frame(t, protocol.EventSummonCircuit, map[string]any{"name": "Circuit-A"})))
	settle(t, h)
	a.expectNone(t)

	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventSummonCircuit, map[string]any{"name": "Circuit-A"})))
	ann := decode[protocol.CircuitAnnouncement](t, a.expect(t, protocol.EventCircuitSummoned))
	req.Equal(protocol.CircuitAnnouncement{
		SummonerID:  "a",
		Summoner:    "Alice",
		CircuitName: "Circuit-A",
		Depth:       1,
		Mode:        protocol.ModeActive,
	}, ann)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventSummonCircuit, map[string]any{"name": "Circuit-B", "depth": 3, "mode": "deep-thinking"})))
	ann = decode[protocol.CircuitAnnouncement](t, a.expect(t, protocol.EventCircuitSummoned))
	req.Equal(3, ann.Depth)
	req.Equal(protocol.ModeDeepThinking, ann.Mode)

	history, err := h.History(context.Background(), 10)
	req.NoError(err)
	req.Empty(history, "announcements are not persisted")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	b := connect(t, h, "b")
	identify(t, h, "b", "Bob")
	a.expect(t, protocol.EventNetworkUpdate)
	b.expect(t, protocol.EventNetworkUpdate)

	req.NoError(h.Disconnect("b"))
	a.expect(t, protocol.EventNetworkUpdate)
	req.NoError(h.Disconnect("b"))
	req.NoError(h.Disconnect("never-seen"))

	st := settle(t, h)
	a.expectNone(t)
	req.Equal(0, st.Connections)
	req.Equal(1, st.Sockets)
}

func TestUnidentifiedDisconnectIsSilent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	b := connect(t, h, "b")
	require.NoError(t, h.Disconnect("b"))
	settle(t, h)
	a.expectNone(t)
	require.True(t, b.closed.Load())
}

func TestIdentifyAfterDisconnectIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	connect(t, h, "b")
	require.NoError(t, h.Disconnect("b"))
	identify(t, h, "b", "Ghost")

	st := settle(t, h)
	a.expectNone(t)
	require.Equal(t, 0, st.Connections)
}

func TestInvalidFramesAreDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	cases := map[string][]byte{
		"not json":         []byte("{nope"),
		"missing event":    []byte(`{"data":{}}`),
		"unknown event":    frame(t, "teleport", map[string]string{}),
		"identify no name": frame(t, protocol.EventIdentify, map[string]string{"type": "human"}),
		"identify no data": frame(t, protocol.EventIdentify, nil),
		"bad kind":         frame(t, protocol.EventMessage, map[string]string{"sender": "A", "content": "x", "type": "poem"}),
		"empty content":    frame(t, protocol.EventMessage, map[string]string{"sender": "A", "content": ""}),
		"bad resonance":    frame(t, protocol.EventMessage, map[string]any{"sender": "A", "content": "x", "resonance": 2}),
		"relay no thought": frame(t, protocol.EventCircuitRelay, map[string]string{"from": "a", "to": "b"}),
		"bad mode":         frame(t, protocol.EventSummonCircuit, map[string]string{"name": "c", "mode": "sleep"}),
	}
	for name, f := range cases {
		err := h.Dispatch("a", f)
		req.ErrorIs(err, errs.ErrInvalidPayload, name)
	}

	st := settle(t, h)
	a.expectNone(t)
	req.Equal(0, st.Connections)
}

func TestUniqueNamesRejectsDuplicate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h, stop := newTestHub(t, func(o *HubOptions) {
		o.Registry = presence.NewRegistry(presence.WithUniqueNames(true))
	})
	defer stop()

	a := connect(t, h, "a")
	b := connect(t, h, "b")
	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)
	b.expect(t, protocol.EventNetworkUpdate)

	identify(t, h, "b", "alice")
	st := settle(t, h)
	a.expectNone(t)
	b.expectNone(t)
	require.Equal(t, 1, st.Connections)
}

func TestStoreFailureStillBroadcasts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t, func(o *HubOptions) { o.Store = failingStore{} })
	defer stop()

	a := newSink("a")
	req.NoError(h.Connect(a))
	req.JSONEq(`[]`, string(a.expect(t, protocol.EventMessageHistory)))

	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)

	req.NoError(h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"content": "still here"})))
	msg := decode[protocol.Message](t, a.expect(t, protocol.EventNewMessage))
	req.NotEmpty(msg.ID)
	req.Equal("still here", msg.Content)

	_, err := h.History(context.Background(), 10)
	req.ErrorIs(err, storage.ErrUnavailable)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	store := &switchStore{MessageStore: memory.New(10)}
	h, stop := newTestHub(t, func(o *HubOptions) { o.Store = store })
	defer stop()

	a := connect(t, h, "a")
	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)

	store.panics.Store(true)
	req.NoError(h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"content": "boom"})))
	_, err := h.Submit(context.Background(), protocol.MessagePayload{Sender: "rest", Content: "boom"})
	req.ErrorContains(err, "panic")

	st := settle(t, h)
	a.expectNone(t)
	req.False(a.closed.Load())
	req.Equal(1, st.Connections)

	store.panics.Store(false)
	req.NoError(h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"content": "recovered"})))
	a.expect(t, protocol.EventNewMessage)
}

type switchStore struct {
	storage.MessageStore
	panics atomic.Bool
}

func (s *switchStore) Append(ctx context.Context, draft protocol.Message) (protocol.Message, error) {
	if s.panics.Load() {
		return failingStore{panics: true}.Append(ctx, draft)
	}
	return s.MessageStore.Append(ctx, draft)
}

func TestSubmit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")

	depth := 2
	msg, err := h.Submit(context.Background(), protocol.MessagePayload{Sender: "Circuit-A", Content: "deep", Kind: "thought", Depth: &depth})
	req.NoError(err)
	req.Equal(protocol.KindThought, msg.Kind)
	req.NotNil(msg.Depth)

	got := decode[protocol.Message](t, a.expect(t, protocol.EventNewMessage))
	req.Equal(msg.ID, got.ID)

	_, err = h.Submit(context.Background(), protocol.MessagePayload{Content: "anonymous"})
	req.ErrorIs(err, errs.ErrInvalidPayload)
	_, err = h.Submit(context.Background(), protocol.MessagePayload{Sender: "x"})
	req.ErrorIs(err, errs.ErrInvalidPayload)
}

func TestClosedHubRejectsWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)

	a := connect(t, h, "a")
	stop()

	req.True(a.closed.Load())
	req.ErrorIs(h.Dispatch("a", frame(t, protocol.EventInitiateMesh, nil)), errs.ErrHubClosed)
	req.ErrorIs(h.Connect(newSink("b")), errs.ErrHubClosed)
	req.ErrorIs(h.Disconnect("a"), errs.ErrHubClosed)
	_, err := h.Participants(context.Background())
	req.ErrorIs(err, errs.ErrHubClosed)
	_, err = h.Status(context.Background())
	req.ErrorIs(err, errs.ErrHubClosed)
}

func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	slow := &recordingSink{id: "slow", frames: make(chan []byte, 1)}
	req.NoError(h.Connect(slow))
	fast := connect(t, h, "fast")
	identify(t, h, "fast", "Fast")
	fast.expect(t, protocol.EventNetworkUpdate)

	for i := 0; i < 5; i++ {
		_, err := h.Submit(context.Background(), protocol.MessagePayload{Sender: "rest", Content: fmt.Sprintf("m%d", i)})
		req.NoError(err)
		got := decode[protocol.Message](t, fast.expect(t, protocol.EventNewMessage))
		req.Equal(fmt.Sprintf("m%d", i), got.Content)
	}
	req.Len(slow.frames, 1)
}

func TestPresenceCountTracksIdentifyAndDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	rng := rand.New(rand.NewSource(7))
	model := map[string]bool{}
	open := map[string]*recordingSink{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("c%d", rng.Intn(12))
		switch rng.Intn(3) {
		case 0:
			if _, ok := open[id]; !ok {
				s := &recordingSink{id: id, frames: make(chan []byte, 1024)}
				req.NoError(h.Connect(s))
				open[id] = s
			}
		case 1:
			if _, ok := open[id]; ok {
				identify(t, h, id, "user-"+id)
				model[id] = true
			}
		default:
			req.NoError(h.Disconnect(id))
			delete(open, id)
			delete(model, id)
		}
		if i%20 == 0 {
			st := settle(t, h)
			req.Equal(len(model), st.Connections)
			req.Equal(len(open), st.Sockets)
			req.GreaterOrEqual(st.Resonance, 0.0)
			req.LessOrEqual(st.Resonance, 1.0)
		}
		for _, s := range open {
			for len(s.frames) > 0 {
				<-s.frames
			}
		}
	}
	st := settle(t, h)
	req.Equal(len(model), st.Connections)
	roster, err := h.Participants(context.Background())
	req.NoError(err)
	req.Len(roster, len(model))
}

func TestNewHubValidation(t *testing.T) {
	req := require.New(t)

	_, err := NewHub(HubOptions{Registry: presence.NewRegistry()})
	req.Error(err)
	_, err = NewHub(HubOptions{Store: memory.New(1)})
	req.Error(err)

	_, err = NewHub(HubOptions{Store: memory.New(1), Registry: presence.NewRegistry(), Policy: resonance.Policy{Initial: 2, MinParticipants: 2}})
	req.Error(err)
	req.False(errors.Is(err, errs.ErrHubClosed))
}

// drain returns the queued event names without blocking.
func (s *recordingSink) drain(t *testing.T) map[string]int {
	t.Helper()
	counts := map[string]int{}
	for {
		select {
		case frame := <-s.frames:
			var ev protocol.ServerEvent
			require.NoError(t, json.Unmarshal(frame, &ev))
			counts[ev.Event]++
		default:
			return counts
		}
	}
}

func TestConcurrentMessagesAreSerialized(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t)
	defer stop()

	a := connect(t, h, "a")
	b := connect(t, h, "b")
	identify(t, h, "a", "Alice")
	identify(t, h, "b", "Bob")
	settle(t, h)
	a.drain(t)
	b.drain(t)

	const workers, perWorker = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		conn := "a"
		if w%2 == 1 {
			conn = "b"
		}
		frames := make([][]byte, perWorker)
		for i := range frames {
			frames[i] = frame(t, protocol.EventMessage, map[string]string{"content": fmt.Sprintf("w%d-%d", w, i)})
		}
		wg.Add(1)
		go func(conn string, frames [][]byte) {
			defer wg.Done()
			for _, f := range frames {
				if err := h.Dispatch(conn, f); err != nil {
					t.Errorf("dispatch on %s: %v", conn, err)
				}
			}
		}(conn, frames)
	}
	wg.Wait()
	st := settle(t, h)

	const n = workers * perWorker
	want := 0.5
	for i := 0; i < n; i++ {
		want = math.Min(1, want+0.01)
	}
	req.Equal(want, st.Resonance)

	for _, s := range []*recordingSink{a, b} {
		counts := s.drain(t)
		req.Equal(n, counts[protocol.EventNewMessage], "sink %s", s.id)
		req.Equal(n, counts[protocol.EventResonanceUpdate], "sink %s", s.id)
	}
	req.Equal(float64(n), testutil.ToFloat64(h.Metrics().messages))
}

// stallingStore blocks every write until the caller's deadline.
type stallingStore struct {
	storage.MessageStore
}

func (s stallingStore) Append(ctx context.Context, _ protocol.Message) (protocol.Message, error) {
	<-ctx.Done()
	return protocol.Message{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
}

func TestStoreTimeoutBoundsMessageHandling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	req := require.New(t)
	h, stop := newTestHub(t, func(o *HubOptions) {
		o.Store = stallingStore{MessageStore: memory.New(10)}
		o.StoreTimeout = 50 * time.Millisecond
	})
	defer stop()

	a := connect(t, h, "a")
	identify(t, h, "a", "Alice")
	a.expect(t, protocol.EventNetworkUpdate)

	start := time.Now()
	req.NoError(h.Dispatch("a", frame(t, protocol.EventMessage, map[string]string{"content": "slow disk"})))
	msg := decode[protocol.Message](t, a.expect(t, protocol.EventNewMessage))
	req.Equal("slow disk", msg.Content)
	req.NotEmpty(msg.ID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := h.Status(ctx)
	req.NoError(err)
	req.Equal(1, st.Connections)
	req.Less(time.Since(start), time.Second)
	req.Equal(1.0, testutil.ToFloat64(h.Metrics().storeFailures))
}
