package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/corvino/meshroom/internal/errs"
	"github.com/corvino/meshroom/internal/protocol"
	"github.com/corvino/meshroom/internal/storage"
)

// MaxHistoryLimit caps the limit query parameter of GET /api/messages.
const MaxHistoryLimit = 1000

// Handlers holds references needed by HTTP handlers.
type Handlers struct {
	Hub    *Hub
	Client ClientOptions
}

// Status handles GET /api/status and GET /health.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Hub.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendMessage handles POST /api/messages.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMsgSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	msg, err := h.Hub.Submit(r.Context(), req.Payload())
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, msg)
	case errors.Is(err, errs.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// GetMessages handles GET /api/messages?limit={n}.
func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := storage.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	msgs, err := h.Hub.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, protocol.MessageList{Messages: msgs, Count: len(msgs)})
}

// ListParticipants handles GET /api/participants.
func (h *Handlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.Hub.Participants(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if participants == nil {
		participants = []protocol.Participant{}
	}
	writeJSON(w, http.StatusOK, protocol.ParticipantList{Participants: participants, Count: len(participants)})
}

// HandleWS handles GET /ws.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	ServeWS(h.Hub, h.Client, w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
