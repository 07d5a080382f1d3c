// internal/lifecycle/reconcile.go
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"firetrack/internal/backend"
)

// expiryWarningDays is the window in which an extinguisher counts as about to expire.
const expiryWarningDays = 30

// remote is one consistent read of the backend collections.
type remote struct {
	clients       []backend.Client
	sites         []backend.Site
	extinguishers []backend.Extinguisher
	orders        []backend.ServiceOrder
}

func (r *repository) fetch(ctx context.Context) (remote, error) {
	var (
		rm  remote
		err error
	)
	if rm.clients, err = r.backend.Clients(ctx); err != nil {
		return remote{}, fmt.Errorf("failed to fetch clients: %w", err)
	}
	if rm.sites, err = r.backend.Sites(ctx); err != nil {
		return remote{}, fmt.Errorf("failed to fetch sites: %w", err)
	}
	if rm.extinguishers, err = r.backend.Extinguishers(ctx); err != nil {
		return remote{}, fmt.Errorf("failed to fetch extinguishers: %w", err)
	}
	if rm.orders, err = r.backend.Orders(ctx); err != nil {
		return remote{}, fmt.Errorf("failed to fetch orders: %w", err)
	}
	return rm, nil
}

// Refresh rebuilds assets and maintenance records from the backend. Entities
// with undelivered local writes, or with writes delivered after the read
// started, are kept as they are. When the backend cannot be read and nothing
// is known locally, the demo dataset is loaded instead.
func (r *repository) Refresh(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "lifecycle.refresh")
	defer span.End()

	// Step 1: read the backend without holding the lock
	r.mu.Lock()
	gen := r.syncGen
	r.mu.Unlock()

	var (
		rm  remote
		err error
	)
	if r.backend == nil {
		err = ErrBackendUnavailable
	} else {
		rm, err = r.fetch(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		s := r.current.Load()
		if len(s.Assets) == 0 && len(s.Maintenance) == 0 {
			if seedErr := r.seedDemo(ctx); seedErr != nil {
				r.logger.Error("failed to load demo data", "error", seedErr)
			}
		}
		r.logger.Warn("backend refresh failed", "error", err)
		return fmt.Errorf("failed to refresh from backend: %w", err)
	}

	// Step 2: merge under the lock
	t := r.begin()
	t.assets = r.mergeAssets(t.assets, rm, gen)
	t.maintenance = r.mergeMaintenance(t.maintenance, rm, gen)
	t.demo = false
	t.refreshedAt = timePtr(t.now)
	if t.base.DemoMode {
		r.seeded = make(map[string]struct{})
	}
	r.assetSeq.AtLeast(len(t.assets) + 1)
	for ref, at := range r.syncedAt {
		if at <= gen {
			delete(r.syncedAt, ref)
		}
	}

	span.SetAttributes(
		attribute.Int("refresh.assets", len(t.assets)),
		attribute.Int("refresh.orders", len(rm.orders)),
	)
	if err := r.commit(ctx, t); err != nil {
		return err
	}
	r.logger.Info("refreshed from backend", "assets", len(t.assets), "maintenance", len(t.maintenance))
	return nil
}

func (r *repository) mergeAssets(local []Asset, rm remote, gen uint64) []Asset {
	clientNames := make(map[int]string, len(rm.clients))
	for _, c := range rm.clients {
		clientNames[c.ID] = c.Name
	}
	siteNames := make(map[int]string, len(rm.sites))
	for _, s := range rm.sites {
		siteNames[s.ID] = s.Name
	}
	byCode := make(map[string]Asset, len(local))
	for _, a := range local {
		byCode[a.Code] = a
	}

	out := make([]Asset, 0, len(rm.extinguishers)+len(local))
	seen := make(map[string]struct{}, len(rm.extinguishers))
	for _, ext := range rm.extinguishers {
		code := strings.TrimSpace(ext.QRCode)
		if code == "" {
			code = "EXT-" + strconv.Itoa(ext.ID)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		prev, known := byCode[code]
		if _, demo := r.seeded[assetRef(code)]; demo {
			known = false
		}
		if known && r.keepLocal(assetRef(code), prev.Dirty, gen) {
			// keep the local copy until its writes are delivered, but learn the backend id
			if prev.BackendID == 0 {
				prev.BackendID = ext.ID
			}
			out = append(out, prev)
			continue
		}
		out = append(out, remoteAsset(ext, code, prev, known, clientNames, siteNames))
	}

	// local entities the backend has not seen yet
	for _, a := range local {
		if _, ok := seen[a.Code]; ok {
			continue
		}
		if _, demo := r.seeded[assetRef(a.Code)]; demo {
			continue
		}
		if r.keepLocal(assetRef(a.Code), a.Dirty, gen) {
			out = append(out, a)
		}
	}
	return out
}

func remoteAsset(ext backend.Extinguisher, code string, prev Asset, known bool, clientNames, siteNames map[int]string) Asset {
	owner := clientNames[ext.ClientID]
	if owner == "" {
		owner = "Cliente #" + strconv.Itoa(ext.ClientID)
	}
	location := strings.TrimSpace(ext.Location)
	if location == "" && ext.SiteID != nil {
		location = siteNames[*ext.SiteID]
	}

	a := Asset{
		Code:         code,
		BackendID:    ext.ID,
		SerialNumber: code,
		Owner:        owner,
		Location:     location,
		Status:       mapRemoteStatus(ext),
		QR:           QRInfo{Code: code, Payload: code},
	}
	if known {
		// local-only details survive a refresh
		a.SerialNumber = firstNonBlank(prev.SerialNumber, code)
		a.IntakeDate = prev.IntakeDate
		a.LastMaintenanceDate = prev.LastMaintenanceDate
		a.QR = prev.QR
		a.History = prev.History
	}
	if expiry, err := time.Parse(backend.DateLayout, ext.NextExpiry); err == nil && a.LastMaintenanceDate == nil {
		last := expiry.AddDate(-1, 0, 0)
		a.LastMaintenanceDate = &last
	}
	if a.IntakeDate.IsZero() && a.LastMaintenanceDate != nil {
		a.IntakeDate = *a.LastMaintenanceDate
	}
	return a
}

// mapRemoteStatus derives a local status from the richest field the backend sent.
func mapRemoteStatus(ext backend.Extinguisher) AssetStatus {
	switch strings.ToUpper(strings.TrimSpace(ext.LogisticState)) {
	case backend.LogisticAvailable:
		return StatusAvailable
	case backend.LogisticWorkshop:
		return StatusInWorkshop
	case backend.LogisticField:
		return StatusInFieldService
	case backend.LogisticLoan:
		return StatusOnLoan
	case backend.LogisticOutOfService:
		return StatusOutOfService
	}

	switch strings.ToLower(strings.TrimSpace(ext.State)) {
	case "vencido":
		return StatusOutOfService
	case "por_vencer", "amarillo":
		return StatusInFieldService
	case "rojo":
		return StatusInWorkshop
	case "verde", "vigente":
		return StatusAvailable
	}

	if ext.DaysToExpiry != nil {
		switch days := *ext.DaysToExpiry; {
		case days <= 0:
			return StatusOutOfService
		case days <= expiryWarningDays:
			return StatusInFieldService
		default:
			return StatusAvailable
		}
	}

	switch strings.ToLower(strings.TrimSpace(ext.Color)) {
	case "rojo":
		return StatusOutOfService
	case "amarillo":
		return StatusInFieldService
	}
	return StatusAvailable
}

func mapOrderStatus(state string) MaintenanceStatus {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case backend.OrderPlanned:
		return MaintenanceCheckIn
	case backend.OrderInProgress:
		return MaintenanceInProgress
	case backend.OrderClosed:
		return MaintenanceCompleted
	case backend.OrderCancelled:
		return MaintenanceCancelled
	}
	return MaintenanceRegistered
}

func (r *repository) mergeMaintenance(local []MaintenanceRecord, rm remote, gen uint64) []MaintenanceRecord {
	codeByID := make(map[int]string, len(rm.extinguishers))
	for _, ext := range rm.extinguishers {
		codeByID[ext.ID] = firstNonBlank(ext.QRCode, "EXT-"+strconv.Itoa(ext.ID))
	}
	clientNames := make(map[int]string, len(rm.clients))
	for _, c := range rm.clients {
		clientNames[c.ID] = c.Name
	}
	siteNames := make(map[int]string, len(rm.sites))
	for _, s := range rm.sites {
		siteNames[s.ID] = s.Name
	}
	byID := make(map[string]MaintenanceRecord, len(local))
	for _, m := range local {
		byID[m.ID] = m
	}

	out := make([]MaintenanceRecord, 0, len(rm.orders)+len(local))
	seen := make(map[string]struct{}, len(rm.orders))
	for _, o := range rm.orders {
		id := backendOrderPrefix + strconv.Itoa(o.ID)
		seen[id] = struct{}{}
		if prev, ok := byID[id]; ok && r.keepLocal(maintenanceRef(id), prev.Dirty, gen) {
			out = append(out, prev)
			continue
		}

		assetCodes := make([]string, 0, len(o.Extinguishers))
		for _, extID := range o.Extinguishers {
			if code, ok := codeByID[extID]; ok {
				assetCodes = append(assetCodes, code)
			} else {
				assetCodes = append(assetCodes, "EXT-"+strconv.Itoa(extID))
			}
		}
		rec := MaintenanceRecord{
			ID:         id,
			AssetCodes: assetCodes,
			Type:       MaintenanceWorkshop,
			Status:     mapOrderStatus(o.State),
			Client:     clientNames[o.ClientID],
			Notes:      o.Notes,
			Technician: technicianName(o.TechnicianID),
		}
		if len(assetCodes) > 0 {
			rec.AssetCode = assetCodes[0]
		}
		if o.SiteID != nil {
			rec.Location = siteNames[*o.SiteID]
		}
		if when, err := time.Parse(backend.DateLayout, o.ScheduledFor); err == nil {
			rec.RegisteredOn = when
		}
		if prev, ok := byID[id]; ok {
			rec.History = prev.History
			rec.PartsUsed = prev.PartsUsed
		}
		out = append(out, rec)
	}

	for _, m := range local {
		if _, ok := seen[m.ID]; ok || strings.HasPrefix(m.ID, backendOrderPrefix) {
			continue
		}
		if _, demo := r.seeded[maintenanceRef(m.ID)]; demo {
			continue
		}
		// local records stay while open or unsynced
		if !m.Status.Terminal() || r.keepLocal(maintenanceRef(m.ID), m.Dirty, gen) {
			out = append(out, m)
		}
	}
	return out
}

func technicianName(id *int) string {
	if id == nil {
		return ""
	}
	return "Tecnico #" + strconv.Itoa(*id)
}
