package repo

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/health-cache/record"
	"github.com/wolfeidau/health-cache/store/localdb"
)

// Meals stores meal entries.
type Meals struct {
	db     *localdb.Database
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location
}

// Add validates and inserts meal.
func (m *Meals) Add(ctx context.Context, meal *record.Meal) (*record.Meal, error) {
	if err := meal.Validate(); err != nil {
		return nil, err
	}
	return insert(ctx, m.db, m.logger, localdb.StoreMeals, meal)
}

// Latest returns up to limit meals, newest first.
func (m *Meals) Latest(ctx context.Context, limit int) ([]*record.Meal, error) {
	return latestByKind[*record.Meal](ctx, m.db, localdb.StoreMeals, record.KindMeal, limit)
}

// ByDateRange returns the meals with start <= ts < end, newest first.
func (m *Meals) ByDateRange(ctx context.Context, start, end time.Time) ([]*record.Meal, error) {
	return m.byDateRange(ctx, start, end, 0)
}

func (m *Meals) byDateRange(ctx context.Context, start, end time.Time, limit int) ([]*record.Meal, error) {
	from, to := start.UnixMilli(), end.UnixMilli()
	return observe(ctx, localdb.StoreMeals, "range", func() ([]*record.Meal, error) {
		envs, err := localdb.QueryByIndex(ctx, m.db, localdb.StoreMeals, localdb.IndexByTS, localdb.QueryOptions[record.Envelope]{
			Direction: localdb.Prev,
			Limit:     limit,
			Filter: func(e record.Envelope) bool {
				return e.Kind() == record.KindMeal && e.Timestamp() < to
			},
			StopWhen: func(e record.Envelope) bool {
				return e.Timestamp() < from
			},
		})
		if err != nil {
			return nil, err
		}
		return unwrap[*record.Meal](envs), nil
	})
}

// Today returns today's meals, newest first.
func (m *Meals) Today(ctx context.Context) ([]*record.Meal, error) {
	start, end := dayBounds(m.now(), m.loc)
	return m.byDateRange(ctx, start, end, MealsTodayFetchLimit)
}

// TodayCalories sums the calories of today's meals.
func (m *Meals) TodayCalories(ctx context.Context) (float64, error) {
	meals, err := m.Today(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, meal := range meals {
		total += meal.Calories
	}
	return total, nil
}
