// internal/syncqueue/handler.go
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the queue over HTTP.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the queue endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/sync/status", h.handleStatus)
	r.Get("/sync/pending", h.handlePending)
	r.Get("/sync/dead-letters", h.handleDeadLetters)
	r.Post("/sync/drain", h.handleDrain)
	r.Post("/sync/dead-letters/{key}/retry", h.handleRetry)
	r.Delete("/sync/dead-letters/{key}", h.handleDiscard)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Pending())
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.DeadLetters())
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	delivered, err := h.service.ProcessQueue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"delivered": delivered,
		"pending":   h.service.PendingCount(),
	})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	h.deadLetterAction(w, r, h.service.RetryDeadLetter)
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	h.deadLetterAction(w, r, h.service.DiscardDeadLetter)
}

func (h *Handler) deadLetterAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	err := action(r.Context(), chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, h.service.Status())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
