// internal/backend/domain.go
package backend

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid request")
	// ErrConflict is returned when an idempotency key is reused with a different request.
	ErrConflict = errors.New("idempotency key reused with a different request")
)

// Logistic states of an extinguisher as the backend names them.
const (
	LogisticAvailable    = "DISPONIBLE"
	LogisticWorkshop     = "TALLER"
	LogisticField        = "TERRENO"
	LogisticLoan         = "PRESTAMO"
	LogisticOutOfService = "FUERA_SERVICIO"
)

// Service order states.
const (
	OrderPlanned    = "PLANIFICADA"
	OrderInProgress = "EN_PROGRESO"
	OrderClosed     = "CERRADA"
	OrderCancelled  = "CANCELADA"
)

// Stock movement types.
const (
	MovementInbound    = "ENTRADA"
	MovementOutbound   = "SALIDA"
	MovementAdjustment = "AJUSTE"
)

// DateLayout is the civil date format used on the wire.
const DateLayout = "2006-01-02"

// Client is a customer that owns extinguishers.
type Client struct {
	ID     int    `json:"id"`
	Name   string `json:"nombre"`
	TaxID  string `json:"rut,omitempty"`
	Active bool   `json:"activo"`
}

// Site is a customer location.
type Site struct {
	ID       int     `json:"id"`
	ClientID int     `json:"clienteId"`
	Name     string  `json:"nombre"`
	Address  *string `json:"direccion,omitempty"`
	Commune  *string `json:"comuna,omitempty"`
}

// Extinguisher is the backend's record of a unit.
type Extinguisher struct {
	ID            int    `json:"id"`
	QRCode        string `json:"codigoQr"`
	ClientID      int    `json:"clienteId"`
	SiteID        *int   `json:"sedeId,omitempty"`
	Type          string `json:"tipo"`
	Agent         string `json:"agente"`
	Capacity      string `json:"capacidad"`
	NextExpiry    string `json:"fechaProximoVencimiento,omitempty"`
	DaysToExpiry  *int   `json:"diasParaVencer,omitempty"`
	Color         string `json:"color,omitempty"`
	Location      string `json:"ubicacion,omitempty"`
	LogisticState string `json:"estadoLogistico,omitempty"`
	State         string `json:"estado,omitempty"`
}

// ServiceOrder groups extinguishers serviced together.
type ServiceOrder struct {
	ID            int    `json:"id"`
	ScheduledFor  string `json:"fechaProgramada"`
	State         string `json:"estado"`
	TechnicianID  *int   `json:"tecnicoId,omitempty"`
	ClientID      int    `json:"clienteId"`
	SiteID        *int   `json:"sedeId,omitempty"`
	Extinguishers []int  `json:"extintores"`
	Notes         string `json:"observaciones,omitempty"`
}

type CreateExtinguisherRequest struct {
	QRCode   string `json:"codigoQr"`
	ClientID *int   `json:"clienteId,omitempty"`
	// Owner names the client when ClientID is unknown to the caller.
	Owner         string `json:"propietario,omitempty"`
	SiteID        *int   `json:"sedeId,omitempty"`
	Type          string `json:"tipo,omitempty"`
	Agent         string `json:"agente,omitempty"`
	Capacity      string `json:"capacidad,omitempty"`
	Location      string `json:"ubicacion,omitempty"`
	LogisticState string `json:"estadoLogistico,omitempty"`
}

type UpdateExtinguisherRequest struct {
	Location      *string `json:"ubicacion,omitempty"`
	LogisticState *string `json:"estadoLogistico,omitempty"`
}

// UpdateExtinguisherCommand addresses an update by backend id, or by QR code
// when the unit was created offline and its id is not known yet.
type UpdateExtinguisherCommand struct {
	ID     int    `json:"id,omitempty"`
	QRCode string `json:"codigoQr,omitempty"`
	UpdateExtinguisherRequest
}

type RegisterServiceRequest struct {
	ExtinguisherID int    `json:"extintorId,omitempty"`
	QRCode         string `json:"codigoQr,omitempty"`
	OrderID        *int   `json:"ordenId,omitempty"`
	TechnicianID   *int   `json:"tecnicoId,omitempty"`
	Technician     string `json:"tecnico,omitempty"`
	Notes          string `json:"observaciones,omitempty"`
	InitialWeight  string `json:"pesoInicial,omitempty"`
	ClosedOn       string `json:"fechaCierre,omitempty"`
}

// ServiceRecord is the backend's acknowledgement of a completed service.
type ServiceRecord struct {
	ID             int    `json:"id"`
	ExtinguisherID int    `json:"extintorId"`
	OrderID        int    `json:"ordenId"`
	ClosedOn       string `json:"fechaCierre"`
	NextExpiry     string `json:"fechaProximoVencimiento"`
	Technician     string `json:"tecnico,omitempty"`
	Notes          string `json:"observaciones,omitempty"`
}

type MovementRequest struct {
	PartID        string `json:"repuestoId"`
	Type          string `json:"tipo"`
	Quantity      int    `json:"cantidad"`
	Reason        string `json:"motivo,omitempty"`
	Notes         string `json:"observaciones,omitempty"`
	MaintenanceID string `json:"mantencionId,omitempty"`
	// IdempotencyKey duplicates the request header for backends that read it from the body.
	IdempotencyKey string `json:"idempotenciaKey,omitempty"`
}

type Movement struct {
	ID int `json:"id"`
	MovementRequest
	RegisteredAt time.Time `json:"fechaRegistro"`
}

// Entry is one accepted write in the backend journal.
type Entry struct {
	Seq         int64           `json:"seq"`
	Key         string          `json:"key,omitempty"`
	Kind        string          `json:"kind"`
	Aggregate   string          `json:"aggregate"`
	Fingerprint string          `json:"fingerprint"`
	Data        json.RawMessage `json:"data"`
	RecordedAt  time.Time       `json:"recordedAt"`
}

// Journal entry kinds.
const (
	EntryCreateExtinguisher = "ExtinguisherCreated"
	EntryUpdateExtinguisher = "ExtinguisherUpdated"
	EntryRegisterService    = "ServiceRegistered"
	EntryRecordMovement     = "MovementRecorded"
)
