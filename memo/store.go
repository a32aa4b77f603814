package memo

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/health-cache/record"
	"github.com/wolfeidau/health-cache/repo"
)

// Slot names, as reported in metrics.
const (
	SlotBloodPressure = "bp_list"
	SlotWeight        = "weight_list"
	SlotMeals         = "meal_list"
	SlotSummary       = "summary"
)

// Source loads and stores records. *repo.Repository implements it.
type Source interface {
	AddBloodPressure(ctx context.Context, bp *record.BloodPressure) (*record.BloodPressure, error)
	AddWeight(ctx context.Context, w *record.Weight) (*record.Weight, error)
	AddMeal(ctx context.Context, m *record.Meal) (*record.Meal, error)
	BloodPressureList(ctx context.Context, limit int) ([]*record.BloodPressure, error)
	WeightList(ctx context.Context, limit int) ([]*record.Weight, error)
	MealList(ctx context.Context, limit int) ([]*record.Meal, error)
	TodaySummary(ctx context.Context) (*repo.Summary, error)
}

var _ Source = (*repo.Repository)(nil)

// Display is the result of a load that never fails: on error Items is empty
// and Err says why.
type Display[T any] struct {
	Items []T
	Err   error
}

// ForDisplay turns a load result into a Display.
func ForDisplay[T any](items []T, err error) Display[T] {
	if err != nil {
		return Display[T]{Items: []T{}, Err: err}
	}
	if items == nil {
		items = []T{}
	}
	return Display[T]{Items: items}
}

// Store caches the lists and summary read from a Source.
type Store struct {
	src    Source
	logger *slog.Logger

	bp      *ListCache[*record.BloodPressure]
	weight  *ListCache[*record.Weight]
	meals   *ListCache[*record.Meal]
	summary *ValueCache[*repo.Summary]
}

// Option configures a Store.
type Option func(*options)

type options struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// WithTTL sets how long slots stay usable.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Store in front of src with empty slots.
func New(src Source, opts ...Option) *Store {
	o := options{ttl: DefaultTTL, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		src:     src,
		logger:  o.logger.With("component", "memo"),
		bp:      NewListCache[*record.BloodPressure](SlotBloodPressure, o.ttl, o.now),
		weight:  NewListCache[*record.Weight](SlotWeight, o.ttl, o.now),
		meals:   NewListCache[*record.Meal](SlotMeals, o.ttl, o.now),
		summary: NewValueCache[*repo.Summary](SlotSummary, o.ttl, o.now),
	}
}

// BloodPressureList returns up to limit blood pressure readings, newest first.
func (s *Store) BloodPressureList(ctx context.Context, limit int) ([]*record.BloodPressure, error) {
	return s.bp.Get(ctx, limit, s.src.BloodPressureList)
}

// WeightList returns up to limit weight readings, newest first.
func (s *Store) WeightList(ctx context.Context, limit int) ([]*record.Weight, error) {
	return s.weight.Get(ctx, limit, s.src.WeightList)
}

// MealList returns up to limit meals, newest first.
func (s *Store) MealList(ctx context.Context, limit int) ([]*record.Meal, error) {
	return s.meals.Get(ctx, limit, s.src.MealList)
}

// TodaySummary returns the dashboard summary.
func (s *Store) TodaySummary(ctx context.Context) (*repo.Summary, error) {
	return s.summary.Get(ctx, s.src.TodaySummary)
}

// BloodPressureListForDisplay is BloodPressureList for views.
func (s *Store) BloodPressureListForDisplay(ctx context.Context, limit int) Display[*record.BloodPressure] {
	return ForDisplay[*record.BloodPressure](s.BloodPressureList(ctx, limit))
}

// WeightListForDisplay is WeightList for views.
func (s *Store) WeightListForDisplay(ctx context.Context, limit int) Display[*record.Weight] {
	return ForDisplay[*record.Weight](s.WeightList(ctx, limit))
}

// MealListForDisplay is MealList for views.
func (s *Store) MealListForDisplay(ctx context.Context, limit int) Display[*record.Meal] {
	return ForDisplay[*record.Meal](s.MealList(ctx, limit))
}

// AddBloodPressure stores bp and invalidates the blood pressure list and the summary.
func (s *Store) AddBloodPressure(ctx context.Context, bp *record.BloodPressure) (*record.BloodPressure, error) {
	v, err := s.src.AddBloodPressure(ctx, bp)
	if err != nil {
		return nil, err
	}
	s.bp.Invalidate()
	s.summary.Invalidate()
	return v, nil
}

// AddWeight stores w and invalidates the weight list and the summary.
func (s *Store) AddWeight(ctx context.Context, w *record.Weight) (*record.Weight, error) {
	v, err := s.src.AddWeight(ctx, w)
	if err != nil {
		return nil, err
	}
	s.weight.Invalidate()
	s.summary.Invalidate()
	return v, nil
}

// AddMeal stores m and invalidates the meal list and the summary.
func (s *Store) AddMeal(ctx context.Context, m *record.Meal) (*record.Meal, error) {
	v, err := s.src.AddMeal(ctx, m)
	if err != nil {
		return nil, err
	}
	s.meals.Invalidate()
	s.summary.Invalidate()
	return v, nil
}

// InvalidateSummary empties the summary slot, e.g. after the calorie target changed.
func (s *Store) InvalidateSummary() {
	s.summary.Invalidate()
}

// InvalidateLists empties every list slot.
func (s *Store) InvalidateLists() {
	s.bp.Invalidate()
	s.weight.Invalidate()
	s.meals.Invalidate()
}

// InvalidateAll empties every slot.
func (s *Store) InvalidateAll() {
	s.InvalidateLists()
	s.summary.Invalidate()
	s.logger.Debug("invalidated all slots")
}
