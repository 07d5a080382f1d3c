// internal/lifecycle/implementation.go
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"firetrack/internal/clock"
	"firetrack/internal/pubsub"
	"firetrack/internal/syncqueue"
)

const (
	defaultOwner         = "ExtinGrafic"
	workshopLocation     = "Workshop"
	defaultRetentionDays = 2
)

// repository implements the Repository interface.
type repository struct {
	outbox  Outbox
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	mu sync.Mutex
	// pending maps an entity ref to the keys of its undelivered writes.
	pending map[string]map[string]struct{}
	// createKeys maps the code of an asset created offline to its create key.
	createKeys map[string]string
	// seeded holds refs of demo entities, which are never written to the backend.
	seeded map[string]struct{}
	// syncGen counts deliveries; syncedAt holds the count at the last
	// delivery touching each ref.
	syncGen  uint64
	syncedAt map[string]uint64

	assetSeq       *clock.Sequence
	maintenanceSeq *clock.Sequence
	loanSeq        *clock.Sequence
	historySeq     *clock.Sequence
	movementSeq    *clock.Sequence

	current atomic.Pointer[Snapshot]
	updates *pubsub.Broadcaster[Snapshot]
}

// Option configures the repository.
type Option func(*repository)

func WithClock(c clock.Clock) Option {
	return func(r *repository) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *repository) { r.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *repository) { r.tracer = t }
}

// WithBackend enables Refresh and backend-first creation.
func WithBackend(b Backend) Option {
	return func(r *repository) { r.backend = b }
}

// WithPendingOperations restores dirty tracking for writes still queued
// from a previous run.
func WithPendingOperations(ops []syncqueue.PendingOperation) Option {
	return func(r *repository) {
		for _, op := range ops {
			r.track(op.Key, op.Mutation)
		}
	}
}

// NewRepository creates an empty repository that hands backend writes to outbox.
func NewRepository(outbox Outbox, opts ...Option) Repository {
	r := &repository{
		outbox:         outbox,
		clock:          clock.System(),
		logger:         slog.Default(),
		tracer:         otel.Tracer("firetrack/lifecycle"),
		pending:        make(map[string]map[string]struct{}),
		createKeys:     make(map[string]string),
		seeded:         make(map[string]struct{}),
		syncedAt:       make(map[string]uint64),
		assetSeq:       clock.NewSequence("E", 1),
		maintenanceSeq: clock.NewSequence("MT", 1),
		loanSeq:        clock.NewSequence("LN", 1),
		historySeq:     clock.NewSequence("H", 1),
		movementSeq:    clock.NewSequence("MV", 1),
		updates:        pubsub.New[Snapshot](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&Snapshot{})
	return r
}

func (r *repository) Snapshot() Snapshot {
	return *r.current.Load()
}

func (r *repository) Subscribe() (<-chan Snapshot, func()) {
	return r.updates.Subscribe()
}

func (r *repository) Asset(code string) (Asset, bool) {
	s := r.current.Load()
	if i := indexAsset(s.Assets, code); i >= 0 {
		return s.Assets[i], true
	}
	return Asset{}, false
}

func (r *repository) Maintenance(id string) (MaintenanceRecord, bool) {
	s := r.current.Load()
	if i := indexMaintenance(s.Maintenance, id); i >= 0 {
		return s.Maintenance[i], true
	}
	return MaintenanceRecord{}, false
}

func (r *repository) Loan(id string) (LoanRecord, bool) {
	s := r.current.Load()
	if i := indexLoan(s.Loans, id); i >= 0 {
		return s.Loans[i], true
	}
	return LoanRecord{}, false
}

func (r *repository) Part(id string) (PartInventoryItem, bool) {
	s := r.current.Load()
	if i := indexPart(s.Parts, id); i >= 0 {
		return s.Parts[i], true
	}
	return PartInventoryItem{}, false
}

// MaintenanceHistory returns the maintenance records of an asset, newest first.
func (r *repository) MaintenanceHistory(code string) []MaintenanceRecord {
	s := r.current.Load()
	var out []MaintenanceRecord
	for i := len(s.Maintenance) - 1; i >= 0; i-- {
		if s.Maintenance[i].Covers(code) {
			out = append(out, s.Maintenance[i])
		}
	}
	return out
}

func (r *repository) QRPayload(code string) (string, bool) {
	a, ok := r.Asset(code)
	if !ok {
		return "", false
	}
	return a.QR.Payload, true
}

// tx is a copy of the collections a command works on. Commands replace
// elements, they never modify the ones shared with the current snapshot.
type tx struct {
	r           *repository
	base        *Snapshot
	now         time.Time
	assets      []Asset
	maintenance []MaintenanceRecord
	loans       []LoanRecord
	parts       []PartInventoryItem
	demo        bool
	refreshedAt *time.Time

	partsChanged bool
	mutations    []syncqueue.Mutation
}

// begin must be called with r.mu held.
func (r *repository) begin() *tx {
	s := r.current.Load()
	return &tx{
		r:           r,
		base:        s,
		now:         r.clock.Now(),
		assets:      append([]Asset(nil), s.Assets...),
		maintenance: append([]MaintenanceRecord(nil), s.Maintenance...),
		loans:       append([]LoanRecord(nil), s.Loans...),
		parts:       append([]PartInventoryItem(nil), s.Parts...),
		demo:        s.DemoMode,
		refreshedAt: s.RefreshedAt,
	}
}

// commit hands queued writes to the outbox, then publishes the new snapshot.
// When the outbox refuses the writes nothing is published and the command
// fails. It must be called with r.mu held.
func (r *repository) commit(ctx context.Context, t *tx) error {
	if len(t.mutations) > 0 {
		keys, err := r.outbox.EnqueueAll(ctx, t.mutations)
		if err != nil {
			r.logger.Error("failed to enqueue backend writes", "kinds", mutationKinds(t.mutations), "error", err)
			return fmt.Errorf("failed to queue %s: %w", t.mutations[0].Kind, err)
		}
		for i, m := range t.mutations {
			m.Key = keys[i]
			r.track(m.Key, m)
			t.markDirty(m.Refs)
		}
	}

	alerts := t.base.Alerts
	if t.partsChanged {
		alerts = StockAlerts(t.parts, t.now)
	}
	next := &Snapshot{
		Version:     t.base.Version + 1,
		Assets:      t.assets,
		Maintenance: t.maintenance,
		Loans:       t.loans,
		Parts:       t.parts,
		Alerts:      alerts,
		DemoMode:    t.demo,
		RefreshedAt: t.refreshedAt,
	}
	r.current.Store(next)
	r.updates.Publish(*next)
	return nil
}

func mutationKinds(ms []syncqueue.Mutation) []syncqueue.Kind {
	kinds := make([]syncqueue.Kind, len(ms))
	for i, m := range ms {
		kinds[i] = m.Kind
	}
	return kinds
}

// track records key as the pending write of every ref of m. Must be called
// with r.mu held, or before the repository is shared.
func (r *repository) track(key string, m syncqueue.Mutation) {
	for _, ref := range m.Refs {
		keys := r.pending[ref]
		if keys == nil {
			keys = make(map[string]struct{})
			r.pending[ref] = keys
		}
		keys[key] = struct{}{}
	}
	if m.Kind == syncqueue.KindCreateAsset {
		for _, ref := range m.Refs {
			if code, ok := strings.CutPrefix(ref, refAsset); ok {
				r.createKeys[code] = key
			}
		}
	}
}

func (r *repository) MarkSynced(op syncqueue.PendingOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.syncGen++
	var clean []string
	for _, ref := range op.Mutation.Refs {
		r.syncedAt[ref] = r.syncGen
		keys, ok := r.pending[ref]
		if !ok {
			continue
		}
		delete(keys, op.Key)
		if len(keys) == 0 {
			delete(r.pending, ref)
			clean = append(clean, ref)
		}
	}
	for code, key := range r.createKeys {
		if key == op.Key {
			delete(r.createKeys, code)
		}
	}
	if len(clean) == 0 {
		return
	}

	t := r.begin()
	if !t.clearDirty(clean) {
		return
	}
	// nothing is queued here, so commit cannot fail
	_ = r.commit(context.Background(), t)
}

func (r *repository) isPending(ref string) bool {
	return len(r.pending[ref]) > 0
}

// syncedSince reports whether a write touching ref was delivered after gen.
func (r *repository) syncedSince(ref string, gen uint64) bool {
	return r.syncedAt[ref] > gen
}

// keepLocal reports whether a merge must keep the local copy of ref: it has
// writes in flight, or one landed after the backend read started at gen.
func (r *repository) keepLocal(ref string, dirty bool, gen uint64) bool {
	return dirty || r.isPending(ref) || r.syncedSince(ref, gen)
}

// Refs identify local entities in queued writes.
const (
	refAsset       = "asset:"
	refMaintenance = "maintenance:"
	refPart        = "part:"
)

func (t *tx) markDirty(refs []string) {
	t.setDirty(refs, true)
}

func (t *tx) clearDirty(refs []string) bool {
	return t.setDirty(refs, false)
}

func (t *tx) setDirty(refs []string, dirty bool) bool {
	changed := false
	for _, ref := range refs {
		switch {
		case strings.HasPrefix(ref, refAsset):
			if i := indexAsset(t.assets, strings.TrimPrefix(ref, refAsset)); i >= 0 && t.assets[i].Dirty != dirty {
				t.assets[i].Dirty = dirty
				changed = true
			}
		case strings.HasPrefix(ref, refMaintenance):
			if i := indexMaintenance(t.maintenance, strings.TrimPrefix(ref, refMaintenance)); i >= 0 && t.maintenance[i].Dirty != dirty {
				t.maintenance[i].Dirty = dirty
				changed = true
			}
		}
	}
	return changed
}

// enqueue queues a backend write produced by the command. Writes touching an
// asset still waiting for its offline create are held behind it.
func (t *tx) enqueue(kind syncqueue.Kind, payload any, refs ...string) error {
	for _, ref := range refs {
		if _, demo := t.r.seeded[ref]; demo {
			return nil
		}
	}
	data, err := jsonPayload(payload)
	if err != nil {
		return err
	}
	m := syncqueue.Mutation{Kind: kind, Payload: data, Refs: refs}
	if kind != syncqueue.KindCreateAsset {
		for _, ref := range refs {
			if code, ok := strings.CutPrefix(ref, refAsset); ok {
				if key, waiting := t.r.createKeys[code]; waiting {
					m.After = key
				}
			}
		}
	}
	t.mutations = append(t.mutations, m)
	return nil
}

func jsonPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func (t *tx) history(action, actor, notes string) HistoryEntry {
	return HistoryEntry{
		ID:     t.r.historySeq.Next(),
		Date:   t.now,
		Action: action,
		Actor:  actor,
		Notes:  strings.TrimSpace(notes),
	}
}

// nextAssetCode returns the next "E<n>" code not already in use.
func (t *tx) nextAssetCode() string {
	for {
		code := "E" + strconv.Itoa(t.r.assetSeq.NextNumber())
		if indexAsset(t.assets, code) < 0 {
			return code
		}
	}
}

func (t *tx) replaceAsset(a Asset) {
	if i := indexAsset(t.assets, a.Code); i >= 0 {
		t.assets[i] = a
		return
	}
	t.assets = append(t.assets, a)
}

func (t *tx) replaceMaintenance(m MaintenanceRecord) {
	if i := indexMaintenance(t.maintenance, m.ID); i >= 0 {
		t.maintenance[i] = m
		return
	}
	t.maintenance = append(t.maintenance, m)
}

func (t *tx) replaceLoan(l LoanRecord) {
	if i := indexLoan(t.loans, l.ID); i >= 0 {
		t.loans[i] = l
		return
	}
	t.loans = append(t.loans, l)
}

func (t *tx) replacePart(p PartInventoryItem) {
	t.partsChanged = true
	if i := indexPart(t.parts, p.ID); i >= 0 {
		t.parts[i] = p
		return
	}
	t.parts = append(t.parts, p)
}

// appendCopy appends to a fresh backing array so slices shared with older
// snapshots are never written.
func appendCopy[T any](s []T, v ...T) []T {
	out := make([]T, 0, len(s)+len(v))
	out = append(out, s...)
	return append(out, v...)
}

func indexAsset(assets []Asset, code string) int {
	for i := range assets {
		if assets[i].Code == code {
			return i
		}
	}
	return -1
}

func indexMaintenance(records []MaintenanceRecord, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

func indexLoan(loans []LoanRecord, id string) int {
	for i := range loans {
		if loans[i].ID == id {
			return i
		}
	}
	return -1
}

func indexPart(parts []PartInventoryItem, id string) int {
	for i := range parts {
		if parts[i].ID == id {
			return i
		}
	}
	return -1
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func timePtr(t time.Time) *time.Time {
	return &t
}
