// internal/lifecycle/domain.go
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrRecordClosed is returned for changes to a COMPLETED or CANCELLED maintenance record.
	ErrRecordClosed = errors.New("maintenance record is closed")
	// ErrLoanClosed is returned for changes to a RETURNED or CANCELLED loan.
	ErrLoanClosed       = errors.New("loan is closed")
	ErrAssetUnavailable = errors.New("extinguisher is not available")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrNothingSelected  = errors.New("no extinguishers selected")
	ErrDuplicateCode    = errors.New("extinguisher code already registered")
	ErrInvalidStatus    = errors.New("invalid extinguisher status")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrBackendUnavailable is returned by Refresh when no backend is configured.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

type AssetStatus string

const (
	StatusAvailable      AssetStatus = "AVAILABLE"
	StatusInWorkshop     AssetStatus = "IN_WORKSHOP"
	StatusInFieldService AssetStatus = "IN_FIELD_SERVICE"
	StatusOnLoan         AssetStatus = "ON_LOAN"
	StatusOutOfService   AssetStatus = "OUT_OF_SERVICE"
)

func (s AssetStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInWorkshop, StatusInFieldService, StatusOnLoan, StatusOutOfService:
		return true
	}
	return false
}

type MaintenanceType string

const (
	MaintenanceWorkshop MaintenanceType = "WORKSHOP"
	MaintenanceField    MaintenanceType = "FIELD"
)

type MaintenanceStatus string

const (
	MaintenanceRegistered   MaintenanceStatus = "REGISTERED"
	MaintenanceCheckIn      MaintenanceStatus = "CHECK_IN"
	MaintenanceWaitingParts MaintenanceStatus = "WAITING_PARTS"
	MaintenanceInProgress   MaintenanceStatus = "IN_PROGRESS"
	MaintenanceOnLoan       MaintenanceStatus = "ON_LOAN"
	MaintenanceCompleted    MaintenanceStatus = "COMPLETED"
	MaintenanceCancelled    MaintenanceStatus = "CANCELLED"
)

func (s MaintenanceStatus) Terminal() bool {
	return s == MaintenanceCompleted || s == MaintenanceCancelled
}

type LoanStatus string

const (
	LoanPreparing LoanStatus = "PREPARING"
	LoanActive    LoanStatus = "ACTIVE"
	LoanReturned  LoanStatus = "RETURNED"
	LoanCancelled LoanStatus = "CANCELLED"
)

func (s LoanStatus) Terminal() bool {
	return s == LoanReturned || s == LoanCancelled
}

type PartType string

const (
	PartValve  PartType = "VALVE"
	PartHose   PartType = "HOSE"
	PartLiquid PartType = "LIQUID"
)

type MovementType string

const (
	MovementInbound    MovementType = "INBOUND"
	MovementOutbound   MovementType = "OUTBOUND"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// YearMonth identifies a calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

// MonthOf returns the month t falls in.
func MonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

func (m YearMonth) Previous() YearMonth {
	if m.Month == time.January {
		return YearMonth{Year: m.Year - 1, Month: time.December}
	}
	return YearMonth{Year: m.Year, Month: m.Month - 1}
}

func (m YearMonth) Next() YearMonth {
	if m.Month == time.December {
		return YearMonth{Year: m.Year + 1, Month: time.January}
	}
	return YearMonth{Year: m.Year, Month: m.Month + 1}
}

func (m YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

func (m YearMonth) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *YearMonth) UnmarshalText(b []byte) error {
	parsed, err := ParseYearMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// HistoryEntry is one audit record of a transition.
type HistoryEntry struct {
	ID     string    `json:"id"`
	Date   time.Time `json:"date"`
	Action string    `json:"action"`
	Actor  string    `json:"actor,omitempty"`
	Notes  string    `json:"notes,omitempty"`
}

type QRReprint struct {
	Date        time.Time `json:"date"`
	RequestedBy string    `json:"requestedBy"`
	Reason      string    `json:"reason"`
}

type QRInfo struct {
	Code            string      `json:"code"`
	Payload         string      `json:"payload"`
	LastGeneratedOn time.Time   `json:"lastGeneratedOn"`
	Reprints        []QRReprint `json:"reprints,omitempty"`
}

// Asset is one physical extinguisher, identified by its code.
type Asset struct {
	Code                string         `json:"code"`
	BackendID           int            `json:"backendId,omitempty"`
	SerialNumber        string         `json:"serialNumber"`
	Owner               string         `json:"owner"`
	Location            string         `json:"location,omitempty"`
	IntakeDate          time.Time      `json:"intakeDate"`
	LastMaintenanceDate *time.Time     `json:"lastMaintenanceDate,omitempty"`
	Status              AssetStatus    `json:"status"`
	QR                  QRInfo         `json:"qr"`
	History             []HistoryEntry `json:"history"`
	// Dirty marks local changes the backend has not confirmed yet.
	Dirty bool `json:"dirty,omitempty"`
}

type PartUsage struct {
	PartID   string `json:"partId"`
	Quantity int    `json:"quantity"`
}

type MaintenanceRecord struct {
	ID               string            `json:"id"`
	AssetCode        string            `json:"assetCode"`
	AssetCodes       []string          `json:"assetCodes,omitempty"`
	Type             MaintenanceType   `json:"type"`
	Status           MaintenanceStatus `json:"status"`
	RegisteredOn     time.Time         `json:"registeredOn"`
	ExpectedDelivery *time.Time        `json:"expectedDelivery,omitempty"`
	Technician       string            `json:"technician,omitempty"`
	Client           string            `json:"client,omitempty"`
	Location         string            `json:"location,omitempty"`
	PartsUsed        []PartUsage       `json:"partsUsed,omitempty"`
	LoanID           string            `json:"loanId,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	History          []HistoryEntry    `json:"history"`
	Dirty            bool              `json:"dirty,omitempty"`
}

// Codes lists every extinguisher the record covers. Records built from a
// backend order may cover several; AssetCode is the first of them.
func (m MaintenanceRecord) Codes() []string {
	if len(m.AssetCodes) > 0 {
		return m.AssetCodes
	}
	if m.AssetCode == "" {
		return nil
	}
	return []string{m.AssetCode}
}

// Covers reports whether the record covers the extinguisher code.
func (m MaintenanceRecord) Covers(code string) bool {
	return slices.Contains(m.Codes(), code)
}

type LoanUnit struct {
	Code           string     `json:"code"`
	QRPayload      string     `json:"qrPayload"`
	Returned       bool       `json:"returned"`
	ReturnedOn     *time.Time `json:"returnedOn,omitempty"`
	ApproxLocation string     `json:"approxLocation,omitempty"`
}

type LoanRecord struct {
	ID             string         `json:"id"`
	Client         string         `json:"client"`
	Technician     string         `json:"technician"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	Status         LoanStatus     `json:"status"`
	Units          []LoanUnit     `json:"units"`
	Originals      []string       `json:"originals,omitempty"`
	ExpectedReturn *time.Time     `json:"expectedReturn,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	History        []HistoryEntry `json:"history"`
}

// AllReturned reports whether the loan has units and every one is back.
func (l LoanRecord) AllReturned() bool {
	if len(l.Units) == 0 {
		return false
	}
	for _, u := range l.Units {
		if !u.Returned {
			return false
		}
	}
	return true
}

type MonthlyConsumption struct {
	Month    YearMonth `json:"month"`
	Quantity int       `json:"quantity"`
}

type StockMovement struct {
	ID            string       `json:"id"`
	Date          time.Time    `json:"date"`
	Type          MovementType `json:"type"`
	Quantity      int          `json:"quantity"`
	MaintenanceID string       `json:"maintenanceId,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

type PartInventoryItem struct {
	ID                 string               `json:"id" yaml:"id"`
	Name               string               `json:"name" yaml:"name"`
	Type               PartType             `json:"type" yaml:"type"`
	Unit               string               `json:"unit" yaml:"unit"`
	Stock              int                  `json:"stock" yaml:"stock"`
	MinimumStock       int                  `json:"minimumStock" yaml:"minimumStock"`
	MonthlyConsumption []MonthlyConsumption `json:"monthlyConsumption,omitempty" yaml:"-"`
	Movements          []StockMovement      `json:"movements,omitempty" yaml:"-"`
}

func (p PartInventoryItem) IsBelowMinimum() bool {
	return p.Stock <= p.MinimumStock
}

// ConsumptionFor returns the quantity consumed in month, 0 if none was recorded.
func (p PartInventoryItem) ConsumptionFor(month YearMonth) int {
	for _, c := range p.MonthlyConsumption {
		if c.Month == month {
			return c.Quantity
		}
	}
	return 0
}

type StockAlert struct {
	PartID       string    `json:"partId"`
	PartName     string    `json:"partName"`
	Stock        int       `json:"stock"`
	MinimumStock int       `json:"minimumStock"`
	GeneratedOn  time.Time `json:"generatedOn"`
}

type MonthlyPartReport struct {
	PartID   string    `json:"partId"`
	PartName string    `json:"partName"`
	Month    YearMonth `json:"month"`
	Quantity int       `json:"quantity"`
	Unit     string    `json:"unit"`
}

type PurchaseSuggestion struct {
	PartID              string    `json:"partId"`
	PartName            string    `json:"partName"`
	SourceMonth         YearMonth `json:"sourceMonth"`
	PreviousConsumption int       `json:"previousConsumption"`
	SuggestedQuantity   int       `json:"suggestedQuantity"`
	Rationale           string    `json:"rationale"`
}

// Snapshot is an immutable view of the repository. Slices are shared with
// later snapshots and must not be modified.
type Snapshot struct {
	Version     uint64              `json:"version"`
	Assets      []Asset             `json:"assets"`
	Maintenance []MaintenanceRecord `json:"maintenance"`
	Loans       []LoanRecord        `json:"loans"`
	Parts       []PartInventoryItem `json:"parts"`
	Alerts      []StockAlert        `json:"alerts"`
	// DemoMode is set while the data comes from the built-in demo seed.
	DemoMode    bool       `json:"demoMode"`
	RefreshedAt *time.Time `json:"refreshedAt,omitempty"`
}

// WorkshopIntake registers a unit arriving at the workshop. Code is optional:
// when it names an existing asset that asset is taken back in, otherwise a new
// asset is created.
type WorkshopIntake struct {
	Code           string `json:"code,omitempty"`
	Owner          string `json:"owner"`
	ExternalNumber string `json:"externalNumber"`
	Technician     string `json:"technician"`
	Location       string `json:"location,omitempty"`
	RetentionDays  int    `json:"retentionDays"`
	Notes          string `json:"notes,omitempty"`
}

type NewExtinguisher struct {
	Code         string      `json:"code,omitempty"`
	Owner        string      `json:"owner,omitempty"`
	SerialNumber string      `json:"serialNumber,omitempty"`
	Location     string      `json:"location,omitempty"`
	Status       AssetStatus `json:"status,omitempty"`
	ClientID     *int        `json:"clientId,omitempty"`
	SiteID       *int        `json:"siteId,omitempty"`
	Actor        string      `json:"actor"`
	Notes        string      `json:"notes,omitempty"`
}

type FieldMaintenance struct {
	AssetCode        string     `json:"assetCode"`
	Client           string     `json:"client"`
	Technician       string     `json:"technician"`
	Location         string     `json:"location,omitempty"`
	LoanID           string     `json:"loanId,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	ExpectedDelivery *time.Time `json:"expectedDelivery,omitempty"`
}

type FieldVisit struct {
	Client         string     `json:"client"`
	Technician     string     `json:"technician"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	ExpectedReturn *time.Time `json:"expectedReturn,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}
