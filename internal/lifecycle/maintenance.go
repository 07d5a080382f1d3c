// internal/lifecycle/maintenance.go
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"firetrack/internal/backend"
	"firetrack/internal/syncqueue"
)

func maintenanceRef(id string) string { return refMaintenance + id }

// backendOrderPrefix marks maintenance records built from backend service orders.
const backendOrderPrefix = "OS-"

func (t *tx) openRecord(id string) (MaintenanceRecord, error) {
	i := indexMaintenance(t.maintenance, id)
	if i < 0 {
		return MaintenanceRecord{}, fmt.Errorf("maintenance %s: %w", id, ErrNotFound)
	}
	rec := t.maintenance[i]
	if rec.Status.Terminal() {
		return MaintenanceRecord{}, fmt.Errorf("maintenance %s is %s: %w", id, rec.Status, ErrRecordClosed)
	}
	return rec, nil
}

func retention(days int) int {
	if days <= 0 {
		days = defaultRetentionDays
	}
	return max(1, days)
}

func (r *repository) RegisterWorkshopIntake(ctx context.Context, in WorkshopIntake) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	owner := firstNonBlank(in.Owner, defaultOwner)
	location := firstNonBlank(in.Location, workshopLocation)
	entry := t.history("Workshop intake", in.Technician, in.Notes)

	// Step 1: take the unit in, reviving a known code or registering a new one
	var a Asset
	code := strings.TrimSpace(in.Code)
	if i := indexAsset(t.assets, code); code != "" && i >= 0 {
		a = t.assets[i]
		if a.Status == StatusOnLoan || a.Status == StatusInWorkshop {
			return MaintenanceRecord{}, fmt.Errorf("extinguisher %s is %s: %w", code, a.Status, ErrAssetUnavailable)
		}
		a.IntakeDate = t.now
		if _, err := t.moveAsset(a, StatusInWorkshop, location, entry); err != nil {
			return MaintenanceRecord{}, err
		}
	} else {
		if code == "" {
			code = t.nextAssetCode()
		}
		a = Asset{
			Code:         code,
			SerialNumber: firstNonBlank(in.ExternalNumber, code),
			Owner:        owner,
			Location:     location,
			IntakeDate:   t.now,
			Status:       StatusInWorkshop,
			QR:           QRInfo{Code: code, Payload: code, LastGeneratedOn: t.now},
			History:      []HistoryEntry{entry},
		}
		t.replaceAsset(a)
		if err := t.pushCreate(a, NewExtinguisher{Owner: owner}); err != nil {
			return MaintenanceRecord{}, err
		}
	}

	// Step 2: open the workshop record
	rec := MaintenanceRecord{
		ID:               r.maintenanceSeq.Next(),
		AssetCode:        code,
		Type:             MaintenanceWorkshop,
		Status:           MaintenanceCheckIn,
		RegisteredOn:     t.now,
		ExpectedDelivery: timePtr(t.now.AddDate(0, 0, retention(in.RetentionDays))),
		Technician:       in.Technician,
		Client:           owner,
		Location:         location,
		Notes:            strings.TrimSpace(in.Notes),
		History:          []HistoryEntry{entry},
	}
	t.replaceMaintenance(rec)

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(rec.ID)
	return rec, nil
}

func (r *repository) MarkRetainedInWorkshop(ctx context.Context, id string, days int, actor, notes string) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	rec, err := t.openRecord(id)
	if err != nil {
		return MaintenanceRecord{}, err
	}
	days = retention(days)
	rec.Status = MaintenanceInProgress
	rec.ExpectedDelivery = timePtr(rec.RegisteredOn.AddDate(0, 0, days))
	rec.History = appendCopy(rec.History, t.history(fmt.Sprintf("Retained in workshop for %d days", days), actor, notes))
	t.replaceMaintenance(rec)

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(id)
	return rec, nil
}

func (r *repository) MarkWaitingParts(ctx context.Context, id, actor, notes string) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	rec, err := t.openRecord(id)
	if err != nil {
		return MaintenanceRecord{}, err
	}
	rec.Status = MaintenanceWaitingParts
	rec.History = appendCopy(rec.History, t.history("Waiting for parts", actor, notes))
	t.replaceMaintenance(rec)

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(id)
	return rec, nil
}

// CloseMaintenance completes a record and hands its assets back as AVAILABLE.
// A unit lent out meanwhile stays ON_LOAN. A zero deliveredOn means now.
func (r *repository) CloseMaintenance(ctx context.Context, id, actor, notes string, deliveredOn time.Time) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	rec, err := t.openRecord(id)
	if err != nil {
		return MaintenanceRecord{}, err
	}
	for _, code := range rec.Codes() {
		if _, err := t.asset(code); err != nil {
			return MaintenanceRecord{}, err
		}
	}
	if deliveredOn.IsZero() {
		deliveredOn = t.now
	}
	entry := t.history("Maintenance closed", actor, notes)

	// Step 1: complete the record
	rec.Status = MaintenanceCompleted
	rec.ExpectedDelivery = timePtr(deliveredOn)
	rec.History = appendCopy(rec.History, entry)
	t.replaceMaintenance(rec)

	// Step 2: promote every asset and report its service to the backend
	for _, code := range rec.Codes() {
		a, _ := t.asset(code)
		a.LastMaintenanceDate = timePtr(deliveredOn)
		a.QR.Payload = a.Code
		a.QR.LastGeneratedOn = t.now
		status := StatusAvailable
		if a.Status == StatusOnLoan {
			status = StatusOnLoan
		}
		a = t.placeAsset(a, status, "", entry)
		if err := t.enqueue(syncqueue.KindRegisterService, serviceRequest(a, rec, actor, notes, deliveredOn),
			assetRef(a.Code), maintenanceRef(rec.ID)); err != nil {
			return MaintenanceRecord{}, err
		}
	}

	// Step 3: a linked loan is over once its maintenance is
	if rec.LoanID != "" {
		t.markLoanAsReturned(rec.LoanID, actor, notes)
	}

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(id)
	return rec, nil
}

func serviceRequest(a Asset, rec MaintenanceRecord, actor, notes string, closedOn time.Time) backend.RegisterServiceRequest {
	req := backend.RegisterServiceRequest{
		ExtinguisherID: a.BackendID,
		QRCode:         a.Code,
		Technician:     firstNonBlank(actor, rec.Technician),
		Notes:          firstNonBlank(notes, rec.Notes),
		ClosedOn:       closedOn.Format(backend.DateLayout),
	}
	if rest, ok := strings.CutPrefix(rec.ID, backendOrderPrefix); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			req.OrderID = &n
		}
	}
	return req
}

func (r *repository) CancelMaintenance(ctx context.Context, id, actor, notes string) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	rec, err := t.openRecord(id)
	if err != nil {
		return MaintenanceRecord{}, err
	}
	entry := t.history("Maintenance cancelled", actor, notes)
	rec.Status = MaintenanceCancelled
	rec.History = appendCopy(rec.History, entry)
	t.replaceMaintenance(rec)

	// An asset leaves the workshop or field service unless another open record holds it there.
	for _, code := range rec.Codes() {
		if a, err := t.asset(code); err == nil && !t.hasOpenRecord(a.Code) &&
			(a.Status == StatusInWorkshop || a.Status == StatusInFieldService) {
			if _, err := t.moveAsset(a, StatusAvailable, "", entry); err != nil {
				return MaintenanceRecord{}, err
			}
		}
	}

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(id)
	return rec, nil
}

func (t *tx) hasOpenRecord(code string) bool {
	for _, rec := range t.maintenance {
		if rec.Covers(code) && !rec.Status.Terminal() {
			return true
		}
	}
	return false
}

func (r *repository) OpenFieldMaintenance(ctx context.Context, in FieldMaintenance) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	a, err := t.asset(in.AssetCode)
	if err != nil {
		return MaintenanceRecord{}, err
	}
	if a.Status == StatusOnLoan {
		return MaintenanceRecord{}, fmt.Errorf("extinguisher %s is on loan: %w", a.Code, ErrAssetUnavailable)
	}
	if in.LoanID != "" && indexLoan(t.loans, in.LoanID) < 0 {
		return MaintenanceRecord{}, fmt.Errorf("loan %s: %w", in.LoanID, ErrNotFound)
	}

	entry := t.history("Field maintenance", in.Technician, in.Notes)
	rec := MaintenanceRecord{
		ID:               r.maintenanceSeq.Next(),
		AssetCode:        a.Code,
		Type:             MaintenanceField,
		Status:           MaintenanceInProgress,
		RegisteredOn:     t.now,
		ExpectedDelivery: in.ExpectedDelivery,
		Technician:       in.Technician,
		Client:           in.Client,
		Location:         strings.TrimSpace(in.Location),
		LoanID:           in.LoanID,
		Notes:            strings.TrimSpace(in.Notes),
		History:          []HistoryEntry{entry},
	}
	t.replaceMaintenance(rec)
	if _, err := t.moveAsset(a, StatusInFieldService, in.Location, entry); err != nil {
		return MaintenanceRecord{}, err
	}

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(rec.ID)
	return rec, nil
}
