package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain and transport errors to status codes.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kanban.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, kanban.ErrInvalidTask), errors.Is(err, messaging.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, messaging.ErrTransportUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", kanban.ErrInvalidTask, err)
	}
	return nil
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status    string    `json:"status"`
		Messaging string    `json:"messaging"`
		Store     string    `json:"store"`
		Message   string    `json:"message,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}
	resp := response{Status: "ok", Messaging: "healthy", Store: "ok", Timestamp: time.Now().UTC()}
	status := http.StatusOK
	if h.Health != nil {
		hs := h.Health.Health(r.Context())
		resp.Messaging, resp.Message = hs.Status, hs.Message
		if hs.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		resp.Status = "unavailable"
	}
	writeJSON(w, status, resp)
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context(), chi.URLParam(r, "boardID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kanban.GetUsersResponse{Users: users})
}

func (h *handlers) captureTask(w http.ResponseWriter, r *http.Request) {
	var in kanban.CaptureInput
	if err := decodeBody(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	in.BoardID = chi.URLParam(r, "boardID")
	task, err := h.Service.CaptureTask(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) moveTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToColumnID string `json:"toColumnId"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	moved, err := h.Service.MoveTask(r.Context(), chi.URLParam(r, "taskID"), body.ToColumnID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

func (h *handlers) moveTasks(w http.ResponseWriter, r *http.Request) {
	var req kanban.MoveTasksRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	moved, err := h.Service.MoveTasks(r.Context(), req.Moves)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kanban.MoveTasksResponse{Moved: moved})
}

func (h *handlers) activity(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, fmt.Errorf("%w: bad limit %q", kanban.ErrInvalidTask, s))
			return
		}
		limit = n
	}
	entries, err := h.Store.Activity(r.Context(), chi.URLParam(r, "taskID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type item struct {
		EventID    string          `json:"eventId"`
		Name       string          `json:"name"`
		Offset     string          `json:"offset"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		OccurredOn time.Time       `json:"occurredOn"`
	}
	out := make([]item, 0, len(entries))
	for _, a := range entries {
		out = append(out, item{EventID: a.EventID, Name: a.Name, Offset: a.Offset, Payload: a.Payload, OccurredOn: a.OccurredOn})
	}
	writeJSON(w, http.StatusOK, out)
}

// stream relays the board room as server-sent events until the client disconnects.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || h.Hub == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "streaming unsupported"})
		return
	}
	client := h.Hub.Join(kanban.BoardRoom(chi.URLParam(r, "boardID")))
	defer client.Leave()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-client.Messages():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
