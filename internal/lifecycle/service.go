// internal/lifecycle/service.go
package lifecycle

import (
	"context"
	"time"

	"firetrack/internal/backend"
	"firetrack/internal/syncqueue"
)

// Repository owns the lifecycle state of extinguishers, maintenance records,
// loans and spare parts. Commands apply locally, append history and hand the
// backend writes they imply to the Outbox.
type Repository interface {
	RegisterWorkshopIntake(ctx context.Context, in WorkshopIntake) (MaintenanceRecord, error)
	// CreateExtinguisher registers a unit through the backend when it is
	// reachable and falls back to a local record plus a queued create otherwise.
	CreateExtinguisher(ctx context.Context, in NewExtinguisher) (Asset, error)
	MarkRetainedInWorkshop(ctx context.Context, id string, days int, actor, notes string) (MaintenanceRecord, error)
	MarkWaitingParts(ctx context.Context, id, actor, notes string) (MaintenanceRecord, error)
	RegisterPartsUsage(ctx context.Context, id string, usages []PartUsage, actor, notes string) (MaintenanceRecord, error)
	CloseMaintenance(ctx context.Context, id, actor, notes string, deliveredOn time.Time) (MaintenanceRecord, error)
	CancelMaintenance(ctx context.Context, id, actor, notes string) (MaintenanceRecord, error)
	OpenFieldMaintenance(ctx context.Context, in FieldMaintenance) (MaintenanceRecord, error)

	RegisterFieldVisit(ctx context.Context, in FieldVisit) (LoanRecord, error)
	AssignLoanExtinguishers(ctx context.Context, loanID string, codes []string, actor string) (LoanRecord, error)
	MarkOriginalExtinguishersInRepair(ctx context.Context, loanID string, codes []string, actor string) (LoanRecord, error)
	RegisterLoanReturn(ctx context.Context, loanID string, returned, repaired []string, actor, notes string) (LoanRecord, error)
	CancelLoan(ctx context.Context, loanID, actor, notes string) (LoanRecord, error)

	UpdateExtinguisherLocation(ctx context.Context, code, location, actor, notes string) (Asset, error)
	Decommission(ctx context.Context, code, actor, reason string) (Asset, error)
	ReprintQR(ctx context.Context, code, requestedBy, reason string) (Asset, error)

	RegisterPart(ctx context.Context, part PartInventoryItem) (PartInventoryItem, error)
	AddPartStock(ctx context.Context, partID string, qty int, actor, notes string) (PartInventoryItem, error)

	Asset(code string) (Asset, bool)
	Maintenance(id string) (MaintenanceRecord, bool)
	Loan(id string) (LoanRecord, bool)
	Part(id string) (PartInventoryItem, bool)
	MaintenanceHistory(code string) []MaintenanceRecord
	QRPayload(code string) (string, bool)

	// Snapshot returns the current state without locking.
	Snapshot() Snapshot
	Subscribe() (<-chan Snapshot, func())

	// Refresh replaces clean assets and maintenance records with the backend's view.
	Refresh(ctx context.Context) error
	// MarkSynced clears the dirty flag of entities whose last pending write was op.
	MarkSynced(op syncqueue.PendingOperation)
}

// Outbox accepts backend writes for delivery. The writes of one command are
// queued together or not at all. syncqueue.Service satisfies it.
type Outbox interface {
	EnqueueAll(ctx context.Context, ms []syncqueue.Mutation) ([]string, error)
}

// Backend is the slice of the backend API the repository reads from and
// creates extinguishers through. clients.BackendClient satisfies it.
type Backend interface {
	Clients(ctx context.Context) ([]backend.Client, error)
	Sites(ctx context.Context) ([]backend.Site, error)
	Extinguishers(ctx context.Context) ([]backend.Extinguisher, error)
	Orders(ctx context.Context) ([]backend.ServiceOrder, error)
	CreateExtinguisher(ctx context.Context, key string, req backend.CreateExtinguisherRequest) (backend.Extinguisher, error)
}
