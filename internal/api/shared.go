package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/teamexec/internal/bus"
	"github.com/nidhogg/teamexec/internal/contextstore"
	"github.com/nidhogg/teamexec/internal/orchestrator"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxRequestTimeout     = 5 * time.Minute
)

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	vars, err := h.ctxStore.GetContext(r.Context(), executionFrom(r).ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

func (h *Handler) getVariable(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, err := h.ctxStore.GetVariable(r.Context(), executionFrom(r).ID, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "variable " + key + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type setVariableRequest struct {
	Value  json.RawMessage `json:"value" validate:"required"`
	Writer string          `json:"writer_agent_id" validate:"required"`
}

func (h *Handler) setVariable(w http.ResponseWriter, r *http.Request) {
	var req setVariableRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.ctxStore.SetVariable(r.Context(), executionFrom(r).ID, key, req.Value, req.Writer); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (h *Handler) deleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := h.ctxStore.DeleteVariable(r.Context(), executionFrom(r).ID, chi.URLParam(r, "key")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listContextMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := contextstore.MessageFilter{AgentID: q.Get("agent_id"), Type: q.Get("type")}
	msgs, err := h.ctxStore.GetMessages(r.Context(), executionFrom(r).ID, queryLimit(r), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*contextstore.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type contextMessageRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	Type    string `json:"message_type" validate:"required"`
	Content string `json:"content"`
}

func (h *Handler) addContextMessage(w http.ResponseWriter, r *http.Request) {
	var req contextMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ctxStore.AddMessage(r.Context(), executionFrom(r).ID, req.AgentID, req.Type, req.Content); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type sendRequest struct {
	From    string `json:"from_agent_id" validate:"required"`
	To      string `json:"to_agent_id"`
	Type    string `json:"type" validate:"required"`
	Content string `json:"content"`
}

// sendMessage sends to one agent, or broadcasts when no recipient is given.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	execID := executionFrom(r).ID
	var (
		id  string
		err error
	)
	if req.To == "" {
		id, err = h.bus.Broadcast(r.Context(), execID, req.From, req.Type, req.Content)
	} else {
		id, err = h.bus.Send(r.Context(), execID, req.From, req.To, req.Type, req.Content)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) agentInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := bus.Filter{From: q.Get("from"), Type: q.Get("type")}
	msgs, err := h.bus.GetMessages(r.Context(), executionFrom(r).ID, chi.URLParam(r, "agentID"), queryLimit(r), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*bus.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type requestRequest struct {
	From           string  `json:"from_agent_id" validate:"required"`
	To             string  `json:"to_agent_id" validate:"required"`
	Type           string  `json:"type" validate:"required"`
	Content        string  `json:"content"`
	TimeoutSeconds float64 `json:"timeout_seconds" validate:"gte=0"`
}

func (req requestRequest) timeout() time.Duration {
	if req.TimeoutSeconds <= 0 {
		return defaultRequestTimeout
	}
	d := time.Duration(req.TimeoutSeconds * float64(time.Second))
	return min(d, maxRequestTimeout)
}

// requestResponse blocks until the recipient replies or the timeout passes.
func (h *Handler) requestResponse(w http.ResponseWriter, r *http.Request) {
	var req requestRequest
	if !h.decode(w, r, &req) {
		return
	}
	reply, err := h.bus.RequestResponse(r.Context(), executionFrom(r).ID, req.From, req.To, req.Type, req.Content, req.timeout())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type replyRequest struct {
	From    string `json:"from_agent_id" validate:"required"`
	Content string `json:"content"`
}

func (h *Handler) replyToRequest(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.bus.RespondToRequest(r.Context(), executionFrom(r).ID, chi.URLParam(r, "messageID"), req.From, req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// purgeShared drops the shared context and message log of a finished execution.
func (h *Handler) purgeShared(w http.ResponseWriter, r *http.Request) {
	e := executionFrom(r)
	if !e.Status.IsTerminal() {
		h.writeError(w, fmt.Errorf("purge %s: %w", e.ID, orchestrator.ErrNotFinished))
		return
	}
	if err := h.ctxStore.Drop(r.Context(), e.ID); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.bus.Drop(r.Context(), e.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
