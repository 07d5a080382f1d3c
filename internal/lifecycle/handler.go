// internal/lifecycle/handler.go
package lifecycle

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"firetrack/internal/clock"
	"firetrack/internal/syncqueue"
)

// Handler exposes the repository to the presentation layer.
type Handler struct {
	repo  Repository
	clock clock.Clock
}

func NewHandler(repo Repository, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.System()
	}
	return &Handler{repo: repo, clock: clk}
}

// Routes mounts the lifecycle API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/snapshot", h.handleSnapshot)
	r.Post("/api/refresh", h.handleRefresh)
	r.Get("/api/alerts", h.handleAlerts)
	r.Get("/api/reports/monthly", h.handleMonthlyReport)
	r.Get("/api/reports/purchases", h.handlePurchaseSuggestions)

	r.Route("/api/assets", func(r chi.Router) {
		r.Get("/", h.handleAssets)
		r.Post("/", h.handleCreateAsset)
		r.Get("/{code}", h.handleAsset)
		r.Get("/{code}/maintenance", h.handleAssetMaintenance)
		r.Get("/{code}/qr", h.handleQR)
		r.Post("/{code}/qr/reprint", h.handleReprintQR)
		r.Patch("/{code}/location", h.handleUpdateLocation)
		r.Post("/{code}/decommission", h.handleDecommission)
	})

	r.Route("/api/maintenance", func(r chi.Router) {
		r.Get("/", h.handleMaintenanceList)
		r.Post("/intake", h.handleIntake)
		r.Post("/field", h.handleOpenField)
		r.Get("/{id}", h.handleMaintenance)
		r.Post("/{id}/retain", h.handleRetain)
		r.Post("/{id}/waiting-parts", h.handleWaitingParts)
		r.Post("/{id}/parts", h.handlePartsUsage)
		r.Post("/{id}/close", h.handleClose)
		r.Post("/{id}/cancel", h.handleCancelMaintenance)
	})

	r.Route("/api/loans", func(r chi.Router) {
		r.Get("/", h.handleLoans)
		r.Post("/", h.handleFieldVisit)
		r.Get("/{id}", h.handleLoan)
		r.Post("/{id}/assign", h.handleAssign)
		r.Post("/{id}/originals", h.handleOriginals)
		r.Post("/{id}/return", h.handleReturn)
		r.Post("/{id}/cancel", h.handleCancelLoan)
	})

	r.Route("/api/parts", func(r chi.Router) {
		r.Get("/", h.handleParts)
		r.Post("/", h.handleRegisterPart)
		r.Get("/{id}", h.handlePart)
		r.Post("/{id}/stock", h.handleAddStock)
	})
}

type actionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes,omitempty"`
}

type retainRequest struct {
	actionRequest
	Days int `json:"days"`
}

type partsUsageRequest struct {
	actionRequest
	Usages []PartUsage `json:"usages"`
}

type closeRequest struct {
	actionRequest
	DeliveredOn *time.Time `json:"deliveredOn,omitempty"`
}

type codesRequest struct {
	Actor string   `json:"actor"`
	Codes []string `json:"codes"`
}

type returnRequest struct {
	actionRequest
	Returned []string `json:"returned"`
	Repaired []string `json:"repaired"`
}

type locationRequest struct {
	actionRequest
	Location string `json:"location"`
}

type reprintRequest struct {
	RequestedBy string `json:"requestedBy"`
	Reason      string `json:"reason"`
}

type stockRequest struct {
	actionRequest
	Quantity int `json:"quantity"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.repo.Snapshot())
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, h.repo.Snapshot())
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.repo.Snapshot().Alerts))
}

func (h *Handler) month(r *http.Request) (YearMonth, error) {
	if v := r.URL.Query().Get("month"); v != "" {
		return ParseYearMonth(v)
	}
	return MonthOf(h.clock.Now()), nil
}

func (h *Handler) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	month, err := h.month(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, MonthlyReport(h.repo.Snapshot().Parts, month))
}

func (h *Handler) handlePurchaseSuggestions(w http.ResponseWriter, r *http.Request) {
	month, err := h.month(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	buffer := 0.2
	if v := r.URL.Query().Get("buffer"); v != "" {
		if buffer, err = strconv.ParseFloat(v, 64); err != nil || buffer < 0 {
			http.Error(w, "invalid buffer", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, orEmpty(PurchaseSuggestions(h.repo.Snapshot().Parts, month, buffer)))
}

func (h *Handler) handleAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.repo.Snapshot().Assets))
}

func (h *Handler) handleAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := h.repo.Asset(chi.URLParam(r, "code"))
	if !ok {
		http.Error(w, "extinguisher not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleAssetMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.repo.MaintenanceHistory(chi.URLParam(r, "code"))))
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.repo.QRPayload(chi.URLParam(r, "code"))
	if !ok {
		http.Error(w, "extinguisher not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payload": payload})
}

func (h *Handler) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req NewExtinguisher
	if !decode(w, r, &req) {
		return
	}
	a, err := h.repo.CreateExtinguisher(r.Context(), req)
	respond(w, http.StatusCreated, a, err)
}

func (h *Handler) handleReprintQR(w http.ResponseWriter, r *http.Request) {
	var req reprintRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.repo.ReprintQR(r.Context(), chi.URLParam(r, "code"), req.RequestedBy, req.Reason)
	respond(w, http.StatusOK, a, err)
}

func (h *Handler) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.repo.UpdateExtinguisherLocation(r.Context(), chi.URLParam(r, "code"), req.Location, req.Actor, req.Notes)
	respond(w, http.StatusOK, a, err)
}

func (h *Handler) handleDecommission(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.repo.Decommission(r.Context(), chi.URLParam(r, "code"), req.Actor, req.Notes)
	respond(w, http.StatusOK, a, err)
}

func (h *Handler) handleMaintenanceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.repo.Snapshot().Maintenance))
}

func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.repo.Maintenance(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "maintenance not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req WorkshopIntake
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.repo.RegisterWorkshopIntake(r.Context(), req)
	respond(w, http.StatusCreated, rec, err)
}

func (h *Handler) handleOpenField(w http.ResponseWriter, r *http.Request) {
	var req FieldMaintenance
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.repo.OpenFieldMaintenance(r.Context(), req)
	respond(w, http.StatusCreated, rec, err)
}

func (h *Handler) handleRetain(w http.ResponseWriter, r *http.Request) {
	var req retainRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.repo.MarkRetainedInWorkshop(r.Context(), chi.URLParam(r, "id"), req.Days, req.Actor, req.Notes)
	respond(w, http.StatusOK, rec, err)
}

func (h *Handler) handleWaitingParts(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.repo.MarkWaitingParts(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes)
	respond(w, http.StatusOK, rec, err)
}

func (h *Handler) handlePartsUsage(w http.ResponseWriter, r *http.Request) {
	var req partsUsageRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.repo.RegisterPartsUsage(r.Context(), chi.URLParam(r, "id"), req.Usages, req.Actor, req.Notes)
	respond(w, http.StatusOK, rec, err)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	var deliveredOn time.Time
	if req.DeliveredOn != nil {
		deliveredOn = *req.DeliveredOn
	}
	rec, err := h.repo.CloseMaintenance(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes, deliveredOn)
	respond(w, http.StatusOK, rec, err)
}

func (h *Handler) handleCancelMaintenance(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.repo.CancelMaintenance(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes)
	respond(w, http.StatusOK, rec, err)
}

func (h *Handler) handleLoans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.repo.Snapshot().Loans))
}

func (h *Handler) handleLoan(w http.ResponseWriter, r *http.Request) {
	loan, ok := h.repo.Loan(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "loan not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleFieldVisit(w http.ResponseWriter, r *http.Request) {
	var req FieldVisit
	if !decode(w, r, &req) {
		return
	}
	loan, err := h.repo.RegisterFieldVisit(r.Context(), req)
	respond(w, http.StatusCreated, loan, err)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req codesRequest
	if !decode(w, r, &req) {
		return
	}
	loan, err := h.repo.AssignLoanExtinguishers(r.Context(), chi.URLParam(r, "id"), req.Codes, req.Actor)
	respond(w, http.StatusOK, loan, err)
}

func (h *Handler) handleOriginals(w http.ResponseWriter, r *http.Request) {
	var req codesRequest
	if !decode(w, r, &req) {
		return
	}
	loan, err := h.repo.MarkOriginalExtinguishersInRepair(r.Context(), chi.URLParam(r, "id"), req.Codes, req.Actor)
	respond(w, http.StatusOK, loan, err)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if !decode(w, r, &req) {
		return
	}
	loan, err := h.repo.RegisterLoanReturn(r.Context(), chi.URLParam(r, "id"), req.Returned, req.Repaired, req.Actor, req.Notes)
	respond(w, http.StatusOK, loan, err)
}

func (h *Handler) handleCancelLoan(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	loan, err := h.repo.CancelLoan(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes)
	respond(w, http.StatusOK, loan, err)
}

func (h *Handler) handleParts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.repo.Snapshot().Parts))
}

func (h *Handler) handlePart(w http.ResponseWriter, r *http.Request) {
	p, ok := h.repo.Part(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "part not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleRegisterPart(w http.ResponseWriter, r *http.Request) {
	var req PartInventoryItem
	if !decode(w, r, &req) {
		return
	}
	p, err := h.repo.RegisterPart(r.Context(), req)
	respond(w, http.StatusCreated, p, err)
}

func (h *Handler) handleAddStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.repo.AddPartStock(r.Context(), chi.URLParam(r, "id"), req.Quantity, req.Actor, req.Notes)
	respond(w, http.StatusOK, p, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrRecordClosed), errors.Is(err, ErrLoanClosed),
		errors.Is(err, ErrAssetUnavailable), errors.Is(err, ErrDuplicateCode):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrNothingSelected),
		errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidInput),
		errors.Is(err, syncqueue.ErrRejected):
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

// orEmpty keeps empty collections encoding as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
