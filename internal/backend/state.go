// internal/backend/state.go
package backend

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultClientID = 1
	defaultType     = "PQS"
	defaultAgent    = "ABC"
	defaultCapacity = "6kg"
	expiryWarning   = 30
)

// state is the projection rebuilt from the journal. Mutations work on a
// clone and only replace the live state once journaled.
type state struct {
	clients       []Client
	sites         []Site
	extinguishers []Extinguisher
	orders        []ServiceOrder
	services      []ServiceRecord
	movements     []Movement
}

func seedState() *state {
	address := "Av. Principal 100"
	commune := "Santiago"
	return &state{
		clients: []Client{{ID: defaultClientID, Name: "ExtinGrafic", TaxID: "76.000.000-0", Active: true}},
		sites:   []Site{{ID: 1, ClientID: defaultClientID, Name: "Casa Matriz", Address: &address, Commune: &commune}},
	}
}

func (s *state) clone() *state {
	return &state{
		clients:       append([]Client(nil), s.clients...),
		sites:         append([]Site(nil), s.sites...),
		extinguishers: append([]Extinguisher(nil), s.extinguishers...),
		orders:        append([]ServiceOrder(nil), s.orders...),
		services:      append([]ServiceRecord(nil), s.services...),
		movements:     append([]Movement(nil), s.movements...),
	}
}

func (s *state) extinguisherIndex(id int, code string) int {
	for i, e := range s.extinguishers {
		if (id != 0 && e.ID == id) || (id == 0 && code != "" && strings.EqualFold(e.QRCode, code)) {
			return i
		}
	}
	return -1
}

func (s *state) resolveClient(req CreateExtinguisherRequest) (int, error) {
	if req.ClientID != nil {
		for _, c := range s.clients {
			if c.ID == *req.ClientID {
				return c.ID, nil
			}
		}
		return 0, fmt.Errorf("%w: unknown clienteId %d", ErrInvalid, *req.ClientID)
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return defaultClientID, nil
	}
	for _, c := range s.clients {
		if strings.EqualFold(c.Name, owner) {
			return c.ID, nil
		}
	}
	id := len(s.clients) + 1
	s.clients = append(s.clients, Client{ID: id, Name: owner, Active: true})
	return id, nil
}

func validLogisticState(v string) bool {
	switch v {
	case LogisticAvailable, LogisticWorkshop, LogisticField, LogisticLoan, LogisticOutOfService:
		return true
	}
	return false
}

func (s *state) createExtinguisher(req CreateExtinguisherRequest, at time.Time) (Extinguisher, string, error) {
	code := strings.TrimSpace(req.QRCode)
	if code == "" {
		return Extinguisher{}, "", fmt.Errorf("%w: codigoQr is required", ErrInvalid)
	}
	if s.extinguisherIndex(0, code) >= 0 {
		return Extinguisher{}, "", fmt.Errorf("%w: codigoQr %s already registered", ErrInvalid, code)
	}
	logistic := req.LogisticState
	if logistic == "" {
		logistic = LogisticAvailable
	}
	if !validLogisticState(logistic) {
		return Extinguisher{}, "", fmt.Errorf("%w: estadoLogistico %q", ErrInvalid, logistic)
	}
	clientID, err := s.resolveClient(req)
	if err != nil {
		return Extinguisher{}, "", err
	}
	if req.SiteID != nil && !s.siteExists(*req.SiteID) {
		return Extinguisher{}, "", fmt.Errorf("%w: unknown sedeId %d", ErrInvalid, *req.SiteID)
	}

	ext := Extinguisher{
		ID:            len(s.extinguishers) + 1,
		QRCode:        code,
		ClientID:      clientID,
		SiteID:        req.SiteID,
		Type:          orDefault(req.Type, defaultType),
		Agent:         orDefault(req.Agent, defaultAgent),
		Capacity:      orDefault(req.Capacity, defaultCapacity),
		NextExpiry:    at.AddDate(1, 0, 0).Format(DateLayout),
		Location:      req.Location,
		LogisticState: logistic,
	}
	s.extinguishers = append(s.extinguishers, ext)
	return ext, "extinguisher:" + code, nil
}

func (s *state) siteExists(id int) bool {
	for _, site := range s.sites {
		if site.ID == id {
			return true
		}
	}
	return false
}

func (s *state) updateExtinguisher(cmd UpdateExtinguisherCommand) (Extinguisher, string, error) {
	idx := s.extinguisherIndex(cmd.ID, cmd.QRCode)
	if idx < 0 {
		return Extinguisher{}, "", fmt.Errorf("%w: extinguisher %d/%s", ErrNotFound, cmd.ID, cmd.QRCode)
	}
	ext := s.extinguishers[idx]
	if cmd.LogisticState != nil {
		if !validLogisticState(*cmd.LogisticState) {
			return Extinguisher{}, "", fmt.Errorf("%w: estadoLogistico %q", ErrInvalid, *cmd.LogisticState)
		}
		ext.LogisticState = *cmd.LogisticState
	}
	if cmd.Location != nil {
		ext.Location = *cmd.Location
	}
	s.extinguishers[idx] = ext
	return ext, "extinguisher:" + ext.QRCode, nil
}

func (s *state) registerService(req RegisterServiceRequest, at time.Time) (ServiceRecord, string, error) {
	idx := s.extinguisherIndex(req.ExtinguisherID, req.QRCode)
	if idx < 0 {
		return ServiceRecord{}, "", fmt.Errorf("%w: extinguisher %d/%s", ErrNotFound, req.ExtinguisherID, req.QRCode)
	}
	closed := at
	if req.ClosedOn != "" {
		parsed, err := time.Parse(DateLayout, req.ClosedOn)
		if err != nil {
			return ServiceRecord{}, "", fmt.Errorf("%w: fechaCierre %q", ErrInvalid, req.ClosedOn)
		}
		closed = parsed
	}

	ext := s.extinguishers[idx]
	ext.NextExpiry = closed.AddDate(1, 0, 0).Format(DateLayout)
	// a unit out on loan stays there until it is returned
	if ext.LogisticState != LogisticLoan {
		ext.LogisticState = LogisticAvailable
	}
	s.extinguishers[idx] = ext

	var orderID int
	if req.OrderID != nil {
		found := false
		for i, o := range s.orders {
			if o.ID == *req.OrderID {
				o.State = OrderClosed
				s.orders[i] = o
				orderID, found = o.ID, true
				break
			}
		}
		if !found {
			return ServiceRecord{}, "", fmt.Errorf("%w: unknown ordenId %d", ErrInvalid, *req.OrderID)
		}
	} else {
		orderID = len(s.orders) + 1
		s.orders = append(s.orders, ServiceOrder{
			ID:            orderID,
			ScheduledFor:  closed.Format(DateLayout),
			State:         OrderClosed,
			TechnicianID:  req.TechnicianID,
			ClientID:      ext.ClientID,
			SiteID:        ext.SiteID,
			Extinguishers: []int{ext.ID},
			Notes:         req.Notes,
		})
	}

	record := ServiceRecord{
		ID:             len(s.services) + 1,
		ExtinguisherID: ext.ID,
		OrderID:        orderID,
		ClosedOn:       closed.Format(DateLayout),
		NextExpiry:     ext.NextExpiry,
		Technician:     req.Technician,
		Notes:          req.Notes,
	}
	s.services = append(s.services, record)
	return record, "extinguisher:" + ext.QRCode, nil
}

func (s *state) recordMovement(req MovementRequest, at time.Time) (Movement, string, error) {
	if strings.TrimSpace(req.PartID) == "" {
		return Movement{}, "", fmt.Errorf("%w: repuestoId is required", ErrInvalid)
	}
	switch req.Type {
	case MovementInbound, MovementOutbound:
		if req.Quantity <= 0 {
			return Movement{}, "", fmt.Errorf("%w: cantidad must be positive", ErrInvalid)
		}
	case MovementAdjustment:
		if req.Quantity == 0 {
			return Movement{}, "", fmt.Errorf("%w: cantidad must not be zero", ErrInvalid)
		}
	default:
		return Movement{}, "", fmt.Errorf("%w: tipo %q", ErrInvalid, req.Type)
	}
	m := Movement{ID: len(s.movements) + 1, MovementRequest: req, RegisteredAt: at}
	s.movements = append(s.movements, m)
	return m, "part:" + req.PartID, nil
}

// present fills the fields derived from the expiry date as of now.
func present(e Extinguisher, now time.Time) Extinguisher {
	expiry, err := time.Parse(DateLayout, e.NextExpiry)
	if err != nil {
		return e
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(expiry.Sub(today).Hours() / 24)
	e.DaysToExpiry = &days
	switch {
	case days <= 0:
		e.Color, e.State = "rojo", "vencido"
	case days <= expiryWarning:
		e.Color, e.State = "amarillo", "por_vencer"
	default:
		e.Color, e.State = "verde", "vigente"
	}
	return e
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
