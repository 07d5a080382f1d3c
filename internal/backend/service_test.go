package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firetrack/internal/clock"
)

var epoch = time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, journal Journal) Service {
	t.Helper()
	svc, err := NewService(context.Background(), journal, clock.NewManual(epoch), nil)
	require.NoError(t, err)
	return svc
}

func TestCreateExtinguisherIsIdempotent(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	svc := newTestService(t, journal)

	req := CreateExtinguisherRequest{QRCode: "E100", Owner: "Acme", LogisticState: LogisticWorkshop}
	first, err := svc.CreateExtinguisher(ctx, "ext-1", req)
	require.NoError(t, err)
	second, err := svc.CreateExtinguisher(ctx, "ext-1", req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, svc.Extinguishers(ctx), 1)
	assert.Equal(t, 1, journal.Len())

	clients := svc.Clients(ctx)
	require.Len(t, clients, 2)
	assert.Equal(t, "Acme", clients[1].Name)
	assert.Equal(t, clients[1].ID, first.ClientID)
}

func TestReusedKeyWithDifferentBodyConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryJournal())

	_, err := svc.RecordMovement(ctx, "mov-1", MovementRequest{PartID: "PT-VALVE", Type: MovementOutbound, Quantity: 1})
	require.NoError(t, err)

	_, err = svc.RecordMovement(ctx, "mov-1", MovementRequest{PartID: "PT-VALVE", Type: MovementOutbound, Quantity: 2})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, svc.Movements(ctx), 1)
}

func TestWritesWithoutKeyAreNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryJournal())
	req := MovementRequest{PartID: "PT-HOSE", Type: MovementInbound, Quantity: 4}

	_, err := svc.RecordMovement(ctx, "", req)
	require.NoError(t, err)
	_, err = svc.RecordMovement(ctx, "", req)
	require.NoError(t, err)
	assert.Len(t, svc.Movements(ctx), 2)
}

func TestStateIsRebuiltFromJournal(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	svc := newTestService(t, journal)

	ext, err := svc.CreateExtinguisher(ctx, "ext-1", CreateExtinguisherRequest{QRCode: "E1"})
	require.NoError(t, err)
	workshop := LogisticWorkshop
	_, err = svc.UpdateExtinguisher(ctx, "upd-1", UpdateExtinguisherCommand{QRCode: "E1",
		UpdateExtinguisherRequest: UpdateExtinguisherRequest{LogisticState: &workshop}})
	require.NoError(t, err)
	record, err := svc.RegisterService(ctx, "svc-1", RegisterServiceRequest{ExtinguisherID: ext.ID, ClosedOn: "2026-06-09"})
	require.NoError(t, err)

	restarted := newTestService(t, journal)
	assert.Equal(t, svc.Extinguishers(ctx), restarted.Extinguishers(ctx))
	assert.Equal(t, svc.Orders(ctx), restarted.Orders(ctx))

	// the ledger survives the restart as well
	again, err := restarted.RegisterService(ctx, "svc-1", RegisterServiceRequest{ExtinguisherID: ext.ID, ClosedOn: "2026-06-09"})
	require.NoError(t, err)
	assert.Equal(t, record, again)
	assert.Equal(t, 3, journal.Len())
}

func TestRegisterServiceRenewsExpiry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryJournal())

	ext, err := svc.CreateExtinguisher(ctx, "ext-1", CreateExtinguisherRequest{QRCode: "E7", LogisticState: LogisticWorkshop})
	require.NoError(t, err)

	record, err := svc.RegisterService(ctx, "svc-1", RegisterServiceRequest{QRCode: "E7", Technician: "tech-1"})
	require.NoError(t, err)
	assert.Equal(t, "2027-06-10", record.NextExpiry)

	scanned, err := svc.ScanExtinguisher(ctx, "e7")
	require.NoError(t, err)
	assert.Equal(t, ext.ID, scanned.ID)
	assert.Equal(t, LogisticAvailable, scanned.LogisticState)
	assert.Equal(t, "verde", scanned.Color)

	orders := svc.Orders(ctx)
	require.Len(t, orders, 1)
	assert.Equal(t, OrderClosed, orders[0].State)
	assert.Equal(t, []int{ext.ID}, orders[0].Extinguishers)
}

func TestRegisterServiceKeepsLoanedUnitOnLoan(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryJournal())

	_, err := svc.CreateExtinguisher(ctx, "ext-1", CreateExtinguisherRequest{QRCode: "E8", LogisticState: LogisticLoan})
	require.NoError(t, err)
	record, err := svc.RegisterService(ctx, "svc-1", RegisterServiceRequest{QRCode: "E8", ClosedOn: "2026-06-09"})
	require.NoError(t, err)
	assert.Equal(t, "2027-06-09", record.NextExpiry)

	scanned, err := svc.ScanExtinguisher(ctx, "E8")
	require.NoError(t, err)
	assert.Equal(t, LogisticLoan, scanned.LogisticState)
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	svc := newTestService(t, journal)

	_, err := svc.CreateExtinguisher(ctx, "k1", CreateExtinguisherRequest{})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.CreateExtinguisher(ctx, "k2", CreateExtinguisherRequest{QRCode: "E1", LogisticState: "PERDIDO"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.RecordMovement(ctx, "k3", MovementRequest{PartID: "PT-VALVE", Type: MovementOutbound, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.RegisterService(ctx, "k4", RegisterServiceRequest{QRCode: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ScanExtinguisher(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, journal.Len(), "rejected writes are not journaled")
}

func TestPresentDerivesExpiryState(t *testing.T) {
	now := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		expiry string
		days   int
		color  string
		state  string
	}{
		{"2026-06-01", -9, "rojo", "vencido"},
		{"2026-06-10", 0, "rojo", "vencido"},
		{"2026-07-01", 21, "amarillo", "por_vencer"},
		{"2027-01-01", 205, "verde", "vigente"},
	}
	for _, tt := range tests {
		got := present(Extinguisher{NextExpiry: tt.expiry}, now)
		require.NotNil(t, got.DaysToExpiry)
		assert.Equal(t, tt.days, *got.DaysToExpiry, tt.expiry)
		assert.Equal(t, tt.color, got.Color, tt.expiry)
		assert.Equal(t, tt.state, got.State, tt.expiry)
	}
}
