// internal/backend/handler.go
package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// IdempotencyHeader carries the key a write is deduplicated by.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the backend API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
	r.Get("/api/clientes", h.handleClients)
	r.Get("/api/sedes", h.handleSites)
	r.Get("/api/ordenes", h.handleOrders)
	r.Get("/api/movimientos", h.handleMovements)
	r.Post("/api/movimientos", h.handleRecordMovement)
	r.Post("/api/servicios", h.handleRegisterService)

	r.Route("/api/extintores", func(r chi.Router) {
		r.Get("/", h.handleExtinguishers)
		r.Post("/", h.handleCreateExtinguisher)
		r.Get("/scan", h.handleScan)
		r.Patch("/{id}", h.handleUpdateByID)
		r.Patch("/by-code/{code}", h.handleUpdateByCode)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Clients(r.Context()))
}

func (h *Handler) handleSites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Sites(r.Context()))
}

func (h *Handler) handleOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Orders(r.Context()))
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Movements(r.Context()))
}

func (h *Handler) handleExtinguishers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Extinguishers(r.Context()))
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	ext, err := h.service.ScanExtinguisher(r.Context(), r.URL.Query().Get("codigo"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (h *Handler) handleCreateExtinguisher(w http.ResponseWriter, r *http.Request) {
	var req CreateExtinguisherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ext, err := h.service.CreateExtinguisher(r.Context(), r.Header.Get(IdempotencyHeader), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

func (h *Handler) handleUpdateByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid extinguisher ID", http.StatusBadRequest)
		return
	}
	h.update(w, r, UpdateExtinguisherCommand{ID: id})
}

func (h *Handler) handleUpdateByCode(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, UpdateExtinguisherCommand{QRCode: chi.URLParam(r, "code")})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, cmd UpdateExtinguisherCommand) {
	if err := json.NewDecoder(r.Body).Decode(&cmd.UpdateExtinguisherRequest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ext, err := h.service.UpdateExtinguisher(r.Context(), r.Header.Get(IdempotencyHeader), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (h *Handler) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req RegisterServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := h.service.RegisterService(r.Context(), r.Header.Get(IdempotencyHeader), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	m, err := h.service.RecordMovement(r.Context(), key, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalid):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
