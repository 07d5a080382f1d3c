// internal/lifecycle/parts.go
package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"firetrack/internal/backend"
	"firetrack/internal/syncqueue"
)

func partRef(id string) string { return refPart + id }

// RegisterPartsUsage adds parts consumed by a maintenance record, summed per
// part, and takes them out of stock. An empty usage list changes nothing.
func (r *repository) RegisterPartsUsage(ctx context.Context, id string, usages []PartUsage, actor, notes string) (MaintenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	rec, err := t.openRecord(id)
	if err != nil {
		return MaintenanceRecord{}, err
	}
	if len(usages) == 0 {
		return rec, nil
	}
	for _, u := range usages {
		if u.Quantity <= 0 {
			return MaintenanceRecord{}, fmt.Errorf("part %s: %w", u.PartID, ErrInvalidQuantity)
		}
		if indexPart(t.parts, u.PartID) < 0 {
			return MaintenanceRecord{}, fmt.Errorf("part %s: %w", u.PartID, ErrNotFound)
		}
	}

	// Step 1: merge the usage into the record
	entry := t.history("Parts used", actor, firstNonBlank(notes, describeUsage(usages)))
	rec.PartsUsed = mergeUsage(rec.PartsUsed, usages)
	rec.Status = MaintenanceInProgress
	rec.History = appendCopy(rec.History, entry)
	t.replaceMaintenance(rec)

	for _, code := range rec.Codes() {
		if a, err := t.asset(code); err == nil {
			a.History = appendCopy(a.History, entry)
			t.replaceAsset(a)
		}
	}

	// Step 2: take the parts out of stock
	for _, u := range usages {
		if err := t.consumePart(u.PartID, u.Quantity, rec.ID, actor, notes); err != nil {
			return MaintenanceRecord{}, err
		}
	}

	if err := r.commit(ctx, t); err != nil {
		return MaintenanceRecord{}, err
	}
	rec, _ = r.Maintenance(id)
	return rec, nil
}

func describeUsage(usages []PartUsage) string {
	parts := make([]string, len(usages))
	for i, u := range usages {
		parts[i] = fmt.Sprintf("%s x%d", u.PartID, u.Quantity)
	}
	return strings.Join(parts, ", ")
}

// mergeUsage sums quantities per part, keeping first-seen order.
func mergeUsage(existing, added []PartUsage) []PartUsage {
	out := append([]PartUsage(nil), existing...)
	for _, u := range added {
		merged := false
		for i := range out {
			if out[i].PartID == u.PartID {
				out[i].Quantity += u.Quantity
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, u)
		}
	}
	return out
}

// consumePart decrements stock, never below zero, and books the requested
// quantity against the current month.
func (t *tx) consumePart(partID string, qty int, maintenanceID, actor, notes string) error {
	i := indexPart(t.parts, partID)
	if i < 0 {
		return fmt.Errorf("part %s: %w", partID, ErrNotFound)
	}
	p := t.parts[i]
	p.Stock = max(0, p.Stock-qty)
	p.Movements = appendCopy(p.Movements, StockMovement{
		ID:            t.r.movementSeq.Next(),
		Date:          t.now,
		Type:          MovementOutbound,
		Quantity:      qty,
		MaintenanceID: maintenanceID,
		Notes:         strings.TrimSpace(notes),
	})
	p.MonthlyConsumption = addConsumption(p.MonthlyConsumption, MonthOf(t.now), qty)
	t.replacePart(p)

	return t.enqueue(syncqueue.KindStockMovement, backend.MovementRequest{
		PartID:        partID,
		Type:          backend.MovementOutbound,
		Quantity:      qty,
		Reason:        "maintenance",
		Notes:         firstNonBlank(notes, actor),
		MaintenanceID: maintenanceID,
	}, partRef(partID))
}

func addConsumption(buckets []MonthlyConsumption, month YearMonth, qty int) []MonthlyConsumption {
	out := append([]MonthlyConsumption(nil), buckets...)
	for i := range out {
		if out[i].Month == month {
			out[i].Quantity += qty
			return out
		}
	}
	return append(out, MonthlyConsumption{Month: month, Quantity: qty})
}

// RegisterPart adds a part to the inventory or replaces the catalogue fields
// of an existing one. Stock history of an existing part is kept.
func (r *repository) RegisterPart(ctx context.Context, part PartInventoryItem) (PartInventoryItem, error) {
	part.ID = strings.TrimSpace(part.ID)
	if part.ID == "" || strings.TrimSpace(part.Name) == "" {
		return PartInventoryItem{}, fmt.Errorf("%w: part id and name are required", ErrInvalidInput)
	}
	if part.Stock < 0 || part.MinimumStock < 0 {
		return PartInventoryItem{}, fmt.Errorf("part %s: %w", part.ID, ErrInvalidQuantity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	if i := indexPart(t.parts, part.ID); i >= 0 {
		existing := t.parts[i]
		part.Stock = existing.Stock
		part.MonthlyConsumption = existing.MonthlyConsumption
		part.Movements = existing.Movements
	} else {
		part.MonthlyConsumption = nil
		part.Movements = nil
	}
	t.replacePart(part)

	if err := r.commit(ctx, t); err != nil {
		return PartInventoryItem{}, err
	}
	part, _ = r.Part(part.ID)
	return part, nil
}

func (r *repository) AddPartStock(ctx context.Context, partID string, qty int, actor, notes string) (PartInventoryItem, error) {
	if qty <= 0 {
		return PartInventoryItem{}, fmt.Errorf("part %s: %w", partID, ErrInvalidQuantity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	i := indexPart(t.parts, partID)
	if i < 0 {
		return PartInventoryItem{}, fmt.Errorf("part %s: %w", partID, ErrNotFound)
	}
	p := t.parts[i]
	p.Stock += qty
	p.Movements = appendCopy(p.Movements, StockMovement{
		ID:       r.movementSeq.Next(),
		Date:     t.now,
		Type:     MovementInbound,
		Quantity: qty,
		Notes:    firstNonBlank(notes, actor),
	})
	t.replacePart(p)
	if err := t.enqueue(syncqueue.KindStockMovement, backend.MovementRequest{
		PartID:   partID,
		Type:     backend.MovementInbound,
		Quantity: qty,
		Reason:   "restock",
		Notes:    firstNonBlank(notes, actor),
	}, partRef(partID)); err != nil {
		return PartInventoryItem{}, err
	}

	if err := r.commit(ctx, t); err != nil {
		return PartInventoryItem{}, err
	}
	p, _ = r.Part(partID)
	return p, nil
}
