// internal/backend/service.go
package backend

import (
	"context"
)

// Service defines the reference backend. Writes carrying an idempotency key
// are applied at most once; repeating one returns the original result.
type Service interface {
	Clients(ctx context.Context) []Client
	Sites(ctx context.Context) []Site
	Extinguishers(ctx context.Context) []Extinguisher
	ScanExtinguisher(ctx context.Context, code string) (Extinguisher, error)
	Orders(ctx context.Context) []ServiceOrder
	Movements(ctx context.Context) []Movement

	CreateExtinguisher(ctx context.Context, key string, req CreateExtinguisherRequest) (Extinguisher, error)
	UpdateExtinguisher(ctx context.Context, key string, cmd UpdateExtinguisherCommand) (Extinguisher, error)
	RegisterService(ctx context.Context, key string, req RegisterServiceRequest) (ServiceRecord, error)
	RecordMovement(ctx context.Context, key string, req MovementRequest) (Movement, error)
}
