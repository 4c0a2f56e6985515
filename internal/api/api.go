// Package api exposes the search service over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/lifecycle"
	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/realtime"
	"github.com/kalambet/quadsearch/internal/search"
	"github.com/kalambet/quadsearch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SearchService is the application surface the handlers call.
type SearchService interface {
	CreateRoom(ctx context.Context, owner budget.Identity, title string) (storage.Room, error)
	GetRoom(ctx context.Context, id string) (storage.Room, []storage.Message, error)
	CreateMessage(ctx context.Context, caller budget.Identity, in search.NewMessage) (storage.Message, error)
	GetMessage(ctx context.Context, id string) (storage.Message, error)
	Trigger(ctx context.Context, id string, caller budget.Identity) (storage.Message, error)
	Run(ctx context.Context, id string, caller budget.Identity) (storage.Message, error)
	Usage(ctx context.Context, id budget.Identity) (budget.Decision, error)
	IndexDocument(ctx context.Context, in search.NewDocument) (storage.EntityDocument, error)
	DeleteDocument(ctx context.Context, id string) error
}

var _ SearchService = (*search.Service)(nil)

type Deps struct {
	Service     SearchService
	Hub         *realtime.Hub
	JWTSecret   string
	AdminToken  string
	CORSOrigins []string
}

// NewRouter returns the HTTP handler for the whole service.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Device-Fingerprint"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/search", func(r chi.Router) {
		r.Use(Identify(deps.JWTSecret, deps.AdminToken))

		r.Post("/rooms", handleCreateRoom(deps))
		r.Get("/rooms/{id}", handleGetRoom(deps))
		r.Post("/messages", handleCreateMessage(deps))
		r.Get("/messages/{id}", handleGetMessage(deps))
		r.Post("/messages/{id}/run", handleRunMessage(deps))
		r.Get("/messages/{id}/events", handleMessageEvents(deps))
		r.Get("/usage", handleUsage(deps))
	})

	// Without an admin token the indexing routes are not mounted at all.
	if deps.AdminToken != "" {
		r.Route("/index", func(r chi.Router) {
			r.Use(BearerAuth(deps.AdminToken))
			r.Post("/documents", handleIndexDocument(deps))
			r.Delete("/documents/{id}", handleDeleteDocument(deps))
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func budgetError(w http.ResponseWriter, e *budget.ExceededError, messageID string) {
	body := map[string]any{
		"message":    e.Error(),
		"type":       "budget_exceeded_error",
		"identity":   e.Decision.Identity,
		"tier":       e.Decision.Tier,
		"remaining":  e.Decision.Remaining,
		"max_tokens": e.Decision.MaxTokens,
		"resets_at":  e.Decision.ResetsAt,
	}
	if messageID != "" {
		body["message_id"] = messageID
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(e), 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": body})
}

// serviceError maps service errors onto the HTTP error envelope.
func serviceError(w http.ResponseWriter, err error, what string) {
	if exceeded, ok := budget.IsExceeded(err); ok {
		budgetError(w, exceeded, "")
		return
	}
	var refused *lifecycle.RefusedError
	switch {
	case errors.Is(err, search.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%s not found", what)
	case errors.As(err, &refused):
		httpError(w, http.StatusConflict, "conflict_error", "%s is %s", what, refused.Message.Status)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}
