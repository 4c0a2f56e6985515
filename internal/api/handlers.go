package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/realtime"
	"github.com/kalambet/quadsearch/internal/storage"
)

type messageView struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Query     string          `json:"query"`
	Filters   json.RawMessage `json:"filters,omitempty"`
	Status    string          `json:"status"`
	Content   json.RawMessage `json:"content"`
	Error     string          `json:"error,omitempty"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toMessageView(m storage.Message) messageView {
	v := messageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Query:     m.Query,
		Status:    string(m.Status),
		Content:   m.Content,
		Error:     m.Error,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Filters != "" {
		v.Filters = json.RawMessage(m.Filters)
	}
	return v
}

type roomView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	OwnerID   string        `json:"owner_id"`
	CreatedAt time.Time     `json:"created_at"`
	Messages  []messageView `json:"messages"`
}

func handleCreateRoom(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := decodeAndValidate(w, r, &req, true); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		room, err := deps.Service.CreateRoom(r.Context(), identityFrom(r.Context()), req.Title)
		if err != nil {
			serviceError(w, err, "room")
			return
		}
		writeJSON(w, http.StatusCreated, roomView{
			ID:        room.ID,
			Title:     room.Title,
			OwnerID:   room.OwnerID,
			CreatedAt: room.CreatedAt,
			Messages:  []messageView{},
		})
	}
}

func handleGetRoom(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, msgs, err := deps.Service.GetRoom(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "room")
			return
		}
		views := make([]messageView, len(msgs))
		for i, m := range msgs {
			views[i] = toMessageView(m)
		}
		writeJSON(w, http.StatusOK, roomView{
			ID:        room.ID,
			Title:     room.Title,
			OwnerID:   room.OwnerID,
			CreatedAt: room.CreatedAt,
			Messages:  views,
		})
	}
}

// handleCreateMessage returns as soon as the pending message is stored.
// With ?run=true the run is also queued.
func handleCreateMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMessageRequest
		if err := decodeAndValidate(w, r, &req, false); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		caller := identityFrom(r.Context())
		msg, err := deps.Service.CreateMessage(r.Context(), caller, req.toNewMessage())
		if err != nil {
			serviceError(w, err, "room")
			return
		}

		if r.URL.Query().Get("run") == "true" {
			if _, err := deps.Service.Trigger(r.Context(), msg.ID, caller); err != nil {
				if exceeded, ok := budget.IsExceeded(err); ok {
					budgetError(w, exceeded, msg.ID)
					return
				}
				serviceError(w, err, "message")
				return
			}
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"id":      msg.ID,
			"room_id": msg.RoomID,
			"status":  string(msg.Status),
		})
	}
}

func handleGetMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := deps.Service.GetMessage(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "message")
			return
		}
		writeJSON(w, http.StatusOK, toMessageView(msg))
	}
}

// handleRunMessage is the idempotent trigger. 202 only promises that the run
// will be attempted.
func handleRunMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		msg, err := deps.Service.Trigger(r.Context(), id, identityFrom(r.Context()))
		if err != nil {
			if exceeded, ok := budget.IsExceeded(err); ok {
				budgetError(w, exceeded, id)
				return
			}
			serviceError(w, err, "message")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     msg.ID,
			"status": string(msg.Status),
		})
	}
}

// handleMessageEvents streams message events. The first frame is the stored
// status; the stream ends after a done or error frame.
func handleMessageEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Hub == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "real-time events are disabled")
			return
		}
		id := chi.URLParam(r, "id")
		client := deps.Hub.Subscribe(realtime.MessageChannel(id))
		defer deps.Hub.Unsubscribe(client)

		msg, err := deps.Service.GetMessage(r.Context(), id)
		if err != nil {
			serviceError(w, err, "message")
			return
		}

		snapshot := realtime.Event{Channel: realtime.MessageChannel(id), Type: realtime.EventStatus}
		payload := map[string]any{"id": msg.ID, "status": msg.Status}
		switch msg.Status {
		case storage.StatusCompleted:
			snapshot.Type = realtime.EventDone
			payload["content"] = msg.Content
		case storage.StatusFailed:
			snapshot.Type = realtime.EventError
			payload["error"] = msg.Error
		}
		snapshot.Data, _ = json.Marshal(payload)
		client.Outbound <- snapshot

		deps.Hub.Stream(w, r, client, func(ev realtime.Event) bool {
			return ev.Type == realtime.EventDone || ev.Type == realtime.EventError
		})
	}
}

// handleUsage reports the caller's budget. Another identity may be queried
// with the admin token.
func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := identityFrom(r.Context())
		target := caller
		if q := strings.TrimSpace(r.URL.Query().Get("identity")); q != "" && q != caller.Key {
			if !isAdmin(r.Context()) {
				httpError(w, http.StatusForbidden, "authentication_error", "querying another identity requires the admin token")
				return
			}
			target = budget.IdentityFromKey(q)
		}

		d, err := deps.Service.Usage(r.Context(), target)
		if err != nil {
			serviceError(w, err, "usage")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"identity":    d.Identity,
			"tier":        d.Tier,
			"tokens_used": d.TokensUsed,
			"max_tokens":  d.MaxTokens,
			"remaining":   d.Remaining,
			"resets_at":   d.ResetsAt,
		})
	}
}

func handleIndexDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req indexDocumentRequest
		if err := decodeAndValidate(w, r, &req, false); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		doc, err := deps.Service.IndexDocument(r.Context(), req.toNewDocument())
		if err != nil {
			serviceError(w, err, "document")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
			serviceError(w, err, "document")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func retryAfterSeconds(e *budget.ExceededError) int64 {
	secs := int64(time.Until(e.Decision.ResetsAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
