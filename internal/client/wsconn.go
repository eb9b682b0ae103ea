package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/corvino/meshroom/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// ErrClosed is returned by Send after Close or once Run has returned.
var ErrClosed = errors.New("connection closed")

// WSConn is a persistent WebSocket connection with automatic reconnect. It
// re-identifies after every reconnect.
type WSConn struct {
	serverURL string
	identity  protocol.IdentifyPayload
	log       *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	events chan protocol.ServerEvent
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
	up   chan struct{} // closed while conn is live

	writeMu sync.Mutex
}

// NewWSConn creates a connection that identifies as identity. An empty name
// connects as an anonymous observer.
func NewWSConn(serverURL string, identity protocol.IdentifyPayload, log *zap.Logger) *WSConn {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSConn{
		serverURL:  serverURL,
		identity:   identity,
		log:        log,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		events:     make(chan protocol.ServerEvent, 64),
		done:       make(chan struct{}),
		up:         make(chan struct{}),
	}
}

// Events returns the channel of server events. It is closed when Run returns.
func (ws *WSConn) Events() <-chan protocol.ServerEvent {
	return ws.events
}

// Close stops the connection loop.
func (ws *WSConn) Close() {
	ws.once.Do(func() {
		close(ws.done)
	})
}

// Send writes one event frame on the live connection. When the connection
// is down it waits for the next successful connect until ctx is done. Frames
// sent while disconnected are not buffered.
func (ws *WSConn) Send(ctx context.Context, event string, data any) error {
	frame, err := protocol.EncodeFrame(event, data)
	if err != nil {
		return err
	}
	for {
		ws.mu.Lock()
		conn, up := ws.conn, ws.up
		ws.mu.Unlock()

		if conn != nil {
			if err := ws.write(conn, frame); err != nil {
				return fmt.Errorf("send %s: %w", event, err)
			}
			return nil
		}
		select {
		case <-up:
		case <-ws.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SummonCircuit announces a circuit on behalf of this participant.
func (ws *WSConn) SummonCircuit(ctx context.Context, p protocol.SummonPayload) error {
	return ws.Send(ctx, protocol.EventSummonCircuit, p)
}

// InitiateMesh asks the server to activate the mesh. It takes effect only
// with enough participants present.
func (ws *WSConn) InitiateMesh(ctx context.Context) error {
	return ws.Send(ctx, protocol.EventInitiateMesh, nil)
}

// Relay sends a circuit-to-circuit thought. The server drops it until the
// mesh is active.
func (ws *WSConn) Relay(ctx context.Context, p protocol.RelayPayload) error {
	return ws.Send(ctx, protocol.EventCircuitRelay, p)
}

func (ws *WSConn) write(conn *websocket.Conn, frame []byte) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (ws *WSConn) setConn(conn *websocket.Conn) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if conn != nil {
		ws.conn = conn
		close(ws.up)
		return
	}
	if ws.conn != nil {
		ws.conn = nil
		ws.up = make(chan struct{})
	}
}

// Run connects and reconnects with exponential backoff until ctx is canceled
// or Close is called.
func (ws *WSConn) Run(ctx context.Context) {
	defer ws.Close()
	defer close(ws.events)
	backoff := ws.minBackoff

	for {
		if ws.stopped(ctx) {
			return
		}

		connected, err := ws.connect(ctx)
		if err != nil {
			ws.log.Warn("websocket connection error", zap.Error(err))
		}
		if ws.stopped(ctx) {
			return
		}
		if connected {
			backoff = ws.minBackoff
		}

		ws.log.Info("reconnecting", zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ws.done:
			return
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > ws.maxBackoff {
			backoff = ws.maxBackoff
		}
	}
}

func (ws *WSConn) stopped(ctx context.Context) bool {
	select {
	case <-ws.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (ws *WSConn) connect(ctx context.Context) (bool, error) {
	wsURL, err := BuildWSURL(ws.serverURL)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	ws.log.Info("connected", zap.String("url", wsURL), zap.String("name", ws.identity.Name))

	if ws.identity.Name != "" {
		frame, err := protocol.EncodeFrame(protocol.EventIdentify, ws.identity)
		if err != nil {
			return true, err
		}
		if err := ws.write(conn, frame); err != nil {
			return true, fmt.Errorf("identify: %w", err)
		}
	}
	ws.setConn(conn)
	defer ws.setConn(nil)

	// Unblock ReadMessage when asked to stop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ws.done:
		case <-ctx.Done():
		case <-stop:
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ws.stopped(ctx) {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}

		var event protocol.ServerEvent
		if err := json.Unmarshal(data, &event); err != nil {
			ws.log.Warn("failed to unmarshal server event", zap.Error(err))
			continue
		}

		select {
		case ws.events <- event:
		default:
			ws.log.Warn("event channel full, dropping event", zap.String("event", event.Event))
		}
	}
}

// BuildWSURL converts an http(s) server URL into the ws(s) endpoint URL.
func BuildWSURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse server URL: missing host in %q", server)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
