// internal/lifecycle/demo.go
package lifecycle

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed demo_seed.yaml
var demoSeed []byte

type demoDataset struct {
	Parts  []PartInventoryItem `yaml:"parts"`
	Assets []demoAsset         `yaml:"assets"`
}

type demoAsset struct {
	SerialNumber string      `yaml:"serialNumber"`
	Owner        string      `yaml:"owner"`
	Location     string      `yaml:"location"`
	Status       AssetStatus `yaml:"status"`
	DaysAgo      int         `yaml:"daysAgo"`
	History      struct {
		Action string `yaml:"action"`
		Actor  string `yaml:"actor"`
	} `yaml:"history"`
}

func loadDemoDataset() (demoDataset, error) {
	var ds demoDataset
	if err := yaml.Unmarshal(demoSeed, &ds); err != nil {
		return demoDataset{}, fmt.Errorf("failed to parse demo dataset: %w", err)
	}
	for _, a := range ds.Assets {
		if !a.Status.Valid() {
			return demoDataset{}, fmt.Errorf("demo asset %s: %w: %q", a.SerialNumber, ErrInvalidStatus, a.Status)
		}
	}
	return ds, nil
}

// seedDemo loads the demo dataset and flags the snapshot as demo data. Seeded
// assets are never written to the backend and go away on the first
// successful refresh. Must be called with r.mu held.
func (r *repository) seedDemo(ctx context.Context) error {
	ds, err := loadDemoDataset()
	if err != nil {
		return err
	}

	t := r.begin()
	for _, p := range ds.Parts {
		if indexPart(t.parts, p.ID) < 0 {
			t.replacePart(p)
		}
	}
	for _, d := range ds.Assets {
		code := t.nextAssetCode()
		day := t.now.AddDate(0, 0, -d.DaysAgo)
		entry := t.history(d.History.Action, d.History.Actor, "")
		entry.Date = day
		t.replaceAsset(Asset{
			Code:                code,
			SerialNumber:        d.SerialNumber,
			Owner:               d.Owner,
			Location:            d.Location,
			IntakeDate:          day,
			LastMaintenanceDate: timePtr(day),
			Status:              d.Status,
			QR:                  QRInfo{Code: code, Payload: code, LastGeneratedOn: day},
			History:             []HistoryEntry{entry},
		})
		r.seeded[assetRef(code)] = struct{}{}
	}
	t.demo = true

	if err := r.commit(ctx, t); err != nil {
		return err
	}
	r.logger.Warn("backend unreachable, showing demo data", "assets", len(ds.Assets), "parts", len(ds.Parts))
	return nil
}
