package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

// ClientOptions controls per-connection limits.
type ClientOptions struct {
	EventRate     float64
	EventBurst    int
	AllowedOrigin string
}

func (o ClientOptions) limiter() *rate.Limiter {
	if o.EventRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.EventBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.EventRate), burst)
}

func (o ClientOptions) upgrader() websocket.Upgrader {
	allowed := strings.TrimSpace(o.AllowedOrigin)
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowed == "" || allowed == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || strings.EqualFold(origin, allowed)
		},
	}
}

// Client is one WebSocket connection. It implements Sink.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     *zap.Logger

	closeOnce sync.Once
}

// ID returns the connection id assigned at upgrade.
func (c *Client) ID() string { return c.id }

// Send queues a frame for the write pump. A slow client loses the frame.
func (c *Client) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close ends delivery; the write pump sends a close frame and exits.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump feeds inbound frames to the hub until the socket fails.
func (c *Client) readPump() {
	defer func() {
		if err := c.hub.Disconnect(c.id); err != nil {
			c.log.Debug("disconnect after hub stop", zap.String("conn", c.id), zap.Error(err))
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("ws read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.hub.drop(eventName(frame), c.id, errs.ErrRateLimited)
			continue
		}
		if err := c.hub.Dispatch(c.id, frame); errors.Is(err, errs.ErrHubClosed) {
			return
		}
	}
}

// eventName reads the event field of a frame for diagnostics.
func eventName(frame []byte) string {
	ev, err := protocol.DecodeClientEvent(frame)
	if err != nil {
		return "unknown"
	}
	return ev.Event
}

// writePump drains the send queue to the socket and keeps the peer alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP connection and attaches it to the hub.
func ServeWS(hub *Hub, opts ClientOptions, w http.ResponseWriter, r *http.Request) {
	up := opts.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("ws upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: opts.limiter(),
		log:     hub.log,
	}
	if err := hub.Connect(client); err != nil {
		hub.log.Warn("ws connect rejected", zap.String("conn", client.id), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
