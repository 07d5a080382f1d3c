// internal/lifecycle/assets.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"firetrack/internal/backend"
	"firetrack/internal/clock"
	"firetrack/internal/syncqueue"
)

// Defaults sent with every extinguisher created from the device.
const (
	defaultType     = "PQS"
	defaultAgent    = "ABC"
	defaultCapacity = "4kg"
)

// logisticState maps a local status to the backend's vocabulary.
func logisticState(s AssetStatus) string {
	switch s {
	case StatusInWorkshop:
		return backend.LogisticWorkshop
	case StatusInFieldService:
		return backend.LogisticField
	case StatusOnLoan:
		return backend.LogisticLoan
	case StatusOutOfService:
		return backend.LogisticOutOfService
	default:
		return backend.LogisticAvailable
	}
}

func assetRef(code string) string { return refAsset + code }

func (t *tx) asset(code string) (Asset, error) {
	i := indexAsset(t.assets, code)
	if i < 0 {
		return Asset{}, fmt.Errorf("extinguisher %s: %w", code, ErrNotFound)
	}
	return t.assets[i], nil
}

// placeAsset changes status and location of an asset and records the transition.
// A blank location keeps the current one.
func (t *tx) placeAsset(a Asset, status AssetStatus, location string, entry HistoryEntry) Asset {
	a.Status = status
	if location = strings.TrimSpace(location); location != "" {
		a.Location = location
	}
	a.History = appendCopy(a.History, entry)
	t.replaceAsset(a)
	return a
}

// moveAsset is placeAsset followed by the matching backend update.
func (t *tx) moveAsset(a Asset, status AssetStatus, location string, entry HistoryEntry) (Asset, error) {
	a = t.placeAsset(a, status, location, entry)
	return a, t.pushAsset(a)
}

func (t *tx) pushAsset(a Asset) error {
	location := a.Location
	state := logisticState(a.Status)
	return t.enqueue(syncqueue.KindUpdateAsset, backend.UpdateExtinguisherCommand{
		ID:     a.BackendID,
		QRCode: a.Code,
		UpdateExtinguisherRequest: backend.UpdateExtinguisherRequest{
			Location:      &location,
			LogisticState: &state,
		},
	}, assetRef(a.Code))
}

func (t *tx) pushCreate(a Asset, in NewExtinguisher) error {
	return t.enqueue(syncqueue.KindCreateAsset, createRequest(a, in), assetRef(a.Code))
}

func createRequest(a Asset, in NewExtinguisher) backend.CreateExtinguisherRequest {
	return backend.CreateExtinguisherRequest{
		QRCode:        a.Code,
		ClientID:      in.ClientID,
		Owner:         a.Owner,
		SiteID:        in.SiteID,
		Type:          defaultType,
		Agent:         defaultAgent,
		Capacity:      defaultCapacity,
		Location:      a.Location,
		LogisticState: logisticState(a.Status),
	}
}

func (r *repository) CreateExtinguisher(ctx context.Context, in NewExtinguisher) (Asset, error) {
	ctx, span := r.tracer.Start(ctx, "lifecycle.create_extinguisher")
	defer span.End()

	if in.Status == "" {
		in.Status = StatusAvailable
	}
	if !in.Status.Valid() {
		return Asset{}, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	in.Owner = firstNonBlank(in.Owner, defaultOwner)

	// Step 1: reserve the code
	r.mu.Lock()
	code := strings.TrimSpace(in.Code)
	if code == "" {
		code = r.begin().nextAssetCode()
	} else if indexAsset(r.current.Load().Assets, code) >= 0 {
		r.mu.Unlock()
		return Asset{}, fmt.Errorf("extinguisher %s: %w", code, ErrDuplicateCode)
	}
	r.mu.Unlock()
	span.SetAttributes(attribute.String("asset.code", code))

	draft := Asset{Code: code, Owner: in.Owner, Location: strings.TrimSpace(in.Location), Status: in.Status}
	key := clock.NewKey("ext")

	// Step 2: create through the backend, then refresh to pick it up
	if r.backend != nil {
		_, err := r.backend.CreateExtinguisher(ctx, key, createRequest(draft, in))
		switch {
		case err == nil:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("refresh after create failed", "code", code, "error", err)
			}
			if a, ok := r.Asset(code); ok {
				return a, nil
			}
		case errors.Is(err, syncqueue.ErrRejected):
			span.RecordError(err)
			return Asset{}, fmt.Errorf("failed to create extinguisher %s: %w", code, err)
		default:
			r.logger.Warn("backend create failed, registering offline", "code", code, "error", err)
			span.AddEvent("offline fallback", trace.WithAttributes(attribute.String("error", err.Error())))
		}
	}

	// Step 3: register locally and queue the create under the same key
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	if indexAsset(t.assets, code) >= 0 {
		if a, _ := t.asset(code); a.BackendID != 0 {
			return a, nil
		}
		return Asset{}, fmt.Errorf("extinguisher %s: %w", code, ErrDuplicateCode)
	}
	a := draft
	a.SerialNumber = firstNonBlank(in.SerialNumber, code)
	a.IntakeDate = t.now
	a.QR = QRInfo{Code: code, Payload: code, LastGeneratedOn: t.now}
	a.History = []HistoryEntry{t.history("Manual QR registration (offline)", in.Actor, firstNonBlank(in.Notes, a.Location))}
	t.replaceAsset(a)

	data, err := jsonPayload(createRequest(a, in))
	if err != nil {
		return Asset{}, err
	}
	t.mutations = append(t.mutations, syncqueue.Mutation{
		Key:     key,
		Kind:    syncqueue.KindCreateAsset,
		Payload: data,
		Refs:    []string{assetRef(code)},
	})
	if err := r.commit(ctx, t); err != nil {
		return Asset{}, err
	}
	a, _ = r.Asset(code)
	return a, nil
}

func (r *repository) UpdateExtinguisherLocation(ctx context.Context, code, location, actor, notes string) (Asset, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Asset{}, fmt.Errorf("%w: location is required", ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	a, err := t.asset(code)
	if err != nil {
		return Asset{}, err
	}
	a.QR.Payload = a.Code
	a.QR.LastGeneratedOn = t.now
	a, err = t.moveAsset(a, a.Status, location, t.history("Location updated to "+location, actor, notes))
	if err != nil {
		return Asset{}, err
	}
	if err := r.commit(ctx, t); err != nil {
		return Asset{}, err
	}
	return r.committedAsset(a.Code), nil
}

func (r *repository) Decommission(ctx context.Context, code, actor, reason string) (Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	a, err := t.asset(code)
	if err != nil {
		return Asset{}, err
	}
	if a.Status == StatusOnLoan {
		return Asset{}, fmt.Errorf("extinguisher %s is on loan: %w", code, ErrAssetUnavailable)
	}
	if _, err := t.moveAsset(a, StatusOutOfService, "", t.history("Taken out of service", actor, reason)); err != nil {
		return Asset{}, err
	}
	if err := r.commit(ctx, t); err != nil {
		return Asset{}, err
	}
	return r.committedAsset(code), nil
}

func (r *repository) ReprintQR(ctx context.Context, code, requestedBy, reason string) (Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.begin()
	a, err := t.asset(code)
	if err != nil {
		return Asset{}, err
	}
	a.QR.LastGeneratedOn = t.now
	a.QR.Reprints = appendCopy(a.QR.Reprints, QRReprint{Date: t.now, RequestedBy: requestedBy, Reason: reason})
	a.History = appendCopy(a.History, t.history("QR reprinted", requestedBy, reason))
	t.replaceAsset(a)
	if err := r.commit(ctx, t); err != nil {
		return Asset{}, err
	}
	return r.committedAsset(code), nil
}

// committedAsset reads an asset back from the snapshot just published, so
// the caller sees the dirty flag set by commit. Must be called with r.mu held.
func (r *repository) committedAsset(code string) Asset {
	a, _ := r.Asset(code)
	return a
}
