package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/health-cache/record"
)

// Calories is eaten versus target for a day.
type Calories struct {
	Eaten  float64 `json:"eaten"`
	Target float64 `json:"target"`
}

// Summary is the dashboard view of today.
type Summary struct {
	Date       time.Time             `json:"date"`
	Calories   Calories              `json:"calories"`
	LastWeight *record.Weight        `json:"lastWeight"`
	LastBP     *record.BloodPressure `json:"lastBp"`
}

// Dashboard builds summaries across repositories.
type Dashboard struct {
	measurements *Measurements
	meals        *Meals
	settings     *Settings
	now          func() time.Time
	loc          *time.Location
}

// TodaySummary returns today's calories, the calorie target and the latest
// weight and blood pressure readings.
func (d *Dashboard) TodaySummary(ctx context.Context) (*Summary, error) {
	weights, err := d.measurements.LatestWeight(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("latest weight: %w", err)
	}
	bps, err := d.measurements.LatestBloodPressure(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("latest blood pressure: %w", err)
	}
	eaten, err := d.meals.TodayCalories(ctx)
	if err != nil {
		return nil, fmt.Errorf("today's calories: %w", err)
	}
	target, err := d.settings.CaloriesTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("calories target: %w", err)
	}

	s := &Summary{
		Date:     d.now().In(d.loc),
		Calories: Calories{Eaten: eaten, Target: target},
	}
	if len(weights) > 0 {
		s.LastWeight = weights[0]
	}
	if len(bps) > 0 {
		s.LastBP = bps[0]
	}
	return s, nil
}
