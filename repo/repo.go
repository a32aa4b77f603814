// Package repo reads and writes health records in the local database.
package repo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wolfeidau/health-cache/record"
	"github.com/wolfeidau/health-cache/store/localdb"
	"github.com/wolfeidau/health-cache/telemetry"
)

const (
	// DefaultListLimit is the number of records a list shows.
	DefaultListLimit = 20

	// MealsTodayFetchLimit caps how many of today's meals are read for the summary.
	MealsTodayFetchLimit = 100

	// DefaultCaloriesTarget is the daily calorie target until the user sets one.
	DefaultCaloriesTarget = 2000
)

// Repository groups the record repositories sharing one database.
type Repository struct {
	Measurements *Measurements
	Meals        *Meals
	Settings     *Settings
	Dashboard    *Dashboard
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLocation sets the time zone that decides where a day starts.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.loc = loc
	}
}

// New creates the repositories over db.
func New(db *localdb.Database, opts ...Option) *Repository {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "repo")

	m := &Measurements{db: db, logger: logger}
	meals := &Meals{db: db, logger: logger, now: o.now, loc: o.loc}
	s := &Settings{db: db}
	return &Repository{
		Measurements: m,
		Meals:        meals,
		Settings:     s,
		Dashboard:    &Dashboard{measurements: m, meals: meals, settings: s, now: o.now, loc: o.loc},
	}
}

// AddBloodPressure stores a blood pressure reading.
func (r *Repository) AddBloodPressure(ctx context.Context, bp *record.BloodPressure) (*record.BloodPressure, error) {
	return r.Measurements.AddBloodPressure(ctx, bp)
}

// AddWeight stores a weight reading.
func (r *Repository) AddWeight(ctx context.Context, w *record.Weight) (*record.Weight, error) {
	return r.Measurements.AddWeight(ctx, w)
}

// AddMeal stores a meal.
func (r *Repository) AddMeal(ctx context.Context, m *record.Meal) (*record.Meal, error) {
	return r.Meals.Add(ctx, m)
}

// BloodPressureList returns the newest blood pressure readings.
func (r *Repository) BloodPressureList(ctx context.Context, limit int) ([]*record.BloodPressure, error) {
	return r.Measurements.LatestBloodPressure(ctx, limit)
}

// WeightList returns the newest weight readings.
func (r *Repository) WeightList(ctx context.Context, limit int) ([]*record.Weight, error) {
	return r.Measurements.LatestWeight(ctx, limit)
}

// MealList returns the newest meals.
func (r *Repository) MealList(ctx context.Context, limit int) ([]*record.Meal, error) {
	return r.Meals.Latest(ctx, limit)
}

// TodaySummary returns the dashboard summary for today.
func (r *Repository) TodaySummary(ctx context.Context) (*Summary, error) {
	return r.Dashboard.TodaySummary(ctx)
}

// observe times op and records it against store.
func observe[T any](ctx context.Context, store, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	telemetry.RecordDBOp(ctx, store, op, outcome(err), time.Since(start))
	return v, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, localdb.ErrConstraint):
		return "constraint"
	case errors.Is(err, localdb.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// latestByKind scans the by_ts index of store newest first and keeps records of kind.
func latestByKind[T record.Record](ctx context.Context, db *localdb.Database, store string, kind record.Kind, limit int) ([]T, error) {
	return observe(ctx, store, "latest_"+string(kind), func() ([]T, error) {
		envs, err := localdb.QueryByIndex(ctx, db, store, localdb.IndexByTS, localdb.QueryOptions[record.Envelope]{
			Direction: localdb.Prev,
			Limit:     limit,
			Filter:    func(e record.Envelope) bool { return e.Kind() == kind },
		})
		if err != nil {
			return nil, err
		}
		return unwrap[T](envs), nil
	})
}

func unwrap[T record.Record](envs []record.Envelope) []T {
	out := make([]T, 0, len(envs))
	for _, e := range envs {
		if v, ok := e.Record.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// dayBounds returns midnight of t's day in loc and midnight of the next day.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func insert[T record.Record](ctx context.Context, db *localdb.Database, logger *slog.Logger, store string, r T) (T, error) {
	return observe(ctx, store, "insert", func() (T, error) {
		v, err := localdb.Insert(ctx, db, store, r)
		if err != nil {
			return v, err
		}
		logger.Debug("added record", "store", store, "kind", r.RecordKind(), "id", r.RecordID())
		return v, nil
	})
}
