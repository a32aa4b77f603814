package repo

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/health-cache/record"
	"github.com/wolfeidau/health-cache/store/localdb"
)

// Measurements stores blood pressure and weight readings.
type Measurements struct {
	db     *localdb.Database
	logger *slog.Logger
}

// AddBloodPressure validates and inserts bp.
func (m *Measurements) AddBloodPressure(ctx context.Context, bp *record.BloodPressure) (*record.BloodPressure, error) {
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return insert(ctx, m.db, m.logger, localdb.StoreMeasurements, bp)
}

// AddWeight validates and inserts w.
func (m *Measurements) AddWeight(ctx context.Context, w *record.Weight) (*record.Weight, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return insert(ctx, m.db, m.logger, localdb.StoreMeasurements, w)
}

// LatestBloodPressure returns up to limit blood pressure readings, newest first.
func (m *Measurements) LatestBloodPressure(ctx context.Context, limit int) ([]*record.BloodPressure, error) {
	return latestByKind[*record.BloodPressure](ctx, m.db, localdb.StoreMeasurements, record.KindBloodPressure, limit)
}

// LatestWeight returns up to limit weight readings, newest first.
func (m *Measurements) LatestWeight(ctx context.Context, limit int) ([]*record.Weight, error) {
	return latestByKind[*record.Weight](ctx, m.db, localdb.StoreMeasurements, record.KindWeight, limit)
}

// LatestByKind returns up to limit measurements of kind, newest first.
func (m *Measurements) LatestByKind(ctx context.Context, kind record.Kind, limit int) ([]record.Record, error) {
	return latestByKind[record.Record](ctx, m.db, localdb.StoreMeasurements, kind, limit)
}
