package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"

	"github.com/wolfeidau/health-cache/record"
	"github.com/wolfeidau/health-cache/repo"
)

// AddCmd groups the record kinds that can be added.
type AddCmd struct {
	BP     AddBPCmd     `cmd:"" name:"bp" help:"Add a blood pressure reading."`
	Weight AddWeightCmd `cmd:"" help:"Add a weight reading."`
	Meal   AddMealCmd   `cmd:"" help:"Add a meal."`
}

// AddBPCmd adds a blood pressure reading.
type AddBPCmd struct {
	Systolic  float64 `arg:"" help:"Systolic pressure in mmHg."`
	Diastolic float64 `arg:"" help:"Diastolic pressure in mmHg."`
	Note      string  `help:"Free text note."`
	Location  string  `help:"Where the reading was taken."`
	Date      string  `help:"Day of the reading (YYYY-MM-DD, default today)." placeholder:"DATE"`
	Time      string  `help:"Time of the reading (HH:MM)." placeholder:"TIME"`
}

func (c *AddBPCmd) Run(ctx context.Context, app *App) error {
	at, err := record.ParseDateTime(c.Date, c.Time, app.now(), time.Local)
	if err != nil {
		return err
	}
	bp, err := record.NewBloodPressure(record.BloodPressureInput{
		Systolic:  c.Systolic,
		Diastolic: c.Diastolic,
		At:        at,
		Note:      c.Note,
		Location:  c.Location,
	})
	if err != nil {
		return err
	}
	store, err := app.Memo()
	if err != nil {
		return err
	}
	if _, err := store.AddBloodPressure(ctx, bp); err != nil {
		return fmt.Errorf("saving blood pressure: %w", err)
	}
	fmt.Fprintf(app.out, "%s blood pressure %s (%s)\n", color.GreenString("added"), bp, shortID(bp.ID))
	return nil
}

// AddWeightCmd adds a weight reading.
type AddWeightCmd struct {
	Kg   float64 `arg:"" help:"Weight in kilograms."`
	Note string  `help:"Free text note."`
	Date string  `help:"Day of the reading (YYYY-MM-DD, default today)." placeholder:"DATE"`
	Time string  `help:"Time of the reading (HH:MM)." placeholder:"TIME"`
}

func (c *AddWeightCmd) Run(ctx context.Context, app *App) error {
	at, err := record.ParseDateTime(c.Date, c.Time, app.now(), time.Local)
	if err != nil {
		return err
	}
	w, err := record.NewWeight(record.WeightInput{Kg: c.Kg, At: at, Note: c.Note})
	if err != nil {
		return err
	}
	store, err := app.Memo()
	if err != nil {
		return err
	}
	if _, err := store.AddWeight(ctx, w); err != nil {
		return fmt.Errorf("saving weight: %w", err)
	}
	fmt.Fprintf(app.out, "%s weight %s (%s)\n", color.GreenString("added"), w, shortID(w.ID))
	return nil
}

// AddMealCmd adds a meal.
type AddMealCmd struct {
	Calories    float64 `arg:"" help:"Energy in kcal."`
	Description string  `short:"d" help:"What was eaten."`
	Protein     float64 `help:"Protein in grams."`
	Carbs       float64 `help:"Carbohydrates in grams."`
	Fats        float64 `help:"Fats in grams."`
	Image       string  `help:"Photo of the meal." type:"existingfile" placeholder:"FILE"`
	Note        string  `help:"Free text note."`
	Date        string  `help:"Day of the meal (YYYY-MM-DD, default today)." placeholder:"DATE"`
	Time        string  `help:"Time of the meal (HH:MM)." placeholder:"TIME"`
}

func (c *AddMealCmd) Run(ctx context.Context, app *App) error {
	at, err := record.ParseDateTime(c.Date, c.Time, app.now(), time.Local)
	if err != nil {
		return err
	}
	img, err := loadImage(c.Image)
	if err != nil {
		return err
	}
	m, err := record.NewMeal(record.MealInput{
		Calories:    c.Calories,
		Description: c.Description,
		Protein:     c.Protein,
		Carbs:       c.Carbs,
		Fats:        c.Fats,
		Image:       img,
		At:          at,
		Note:        c.Note,
	})
	if err != nil {
		return err
	}
	store, err := app.Memo()
	if err != nil {
		return err
	}
	if _, err := store.AddMeal(ctx, m); err != nil {
		return fmt.Errorf("saving meal: %w", err)
	}
	fmt.Fprintf(app.out, "%s meal %g kcal (%s)\n", color.GreenString("added"), m.Calories, shortID(m.ID))
	return nil
}

// loadImage reads a meal photo. An empty path means no photo.
func loadImage(path string) (*record.Image, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return &record.Image{Type: mimetype.Detect(data).String(), Data: data}, nil
}

// ListCmd lists recent records of one kind.
type ListCmd struct {
	Kind  string `arg:"" enum:"bp,weight,meals" help:"Record kind: bp, weight or meals."`
	Limit int    `short:"n" default:"20" help:"Maximum number of records."`
}

func (c *ListCmd) Run(ctx context.Context, app *App) error {
	store, err := app.Memo()
	if err != nil {
		return err
	}
	faint := color.New(color.Faint)

	var (
		lines   []string
		loadErr error
	)
	switch c.Kind {
	case "bp":
		d := store.BloodPressureListForDisplay(ctx, c.Limit)
		loadErr = d.Err
		for _, bp := range d.Items {
			lines = append(lines, fmt.Sprintf("%s %s %-14s%s",
				faint.Sprint(shortID(bp.ID)), faint.Sprint(formatTime(bp.Time())), bp.String(), suffix(faint, bp.Location, bp.Note)))
		}
	case "weight":
		d := store.WeightListForDisplay(ctx, c.Limit)
		loadErr = d.Err
		for _, w := range d.Items {
			lines = append(lines, fmt.Sprintf("%s %s %-14s%s",
				faint.Sprint(shortID(w.ID)), faint.Sprint(formatTime(w.Time())), w.String(), suffix(faint, w.Note)))
		}
	case "meals":
		d := store.MealListForDisplay(ctx, c.Limit)
		loadErr = d.Err
		for _, m := range d.Items {
			lines = append(lines, fmt.Sprintf("%s %s %6g kcal  %s%s",
				faint.Sprint(shortID(m.ID)), faint.Sprint(formatTime(m.Time())), m.Calories, m.Description, suffix(faint, m.Note)))
		}
	}

	if loadErr != nil {
		fmt.Fprintln(app.out, color.RedString("could not load records: %v", loadErr))
		return nil
	}
	if len(lines) == 0 {
		fmt.Fprintln(app.out, "No records found.")
		return nil
	}
	for _, l := range lines {
		fmt.Fprintln(app.out, l)
	}
	return nil
}

// SummaryCmd prints today's dashboard.
type SummaryCmd struct {
	JSON bool `help:"Print the summary as JSON."`
}

func (c *SummaryCmd) Run(ctx context.Context, app *App) error {
	store, err := app.Memo()
	if err != nil {
		return err
	}
	s, err := store.TodaySummary(ctx)
	if err != nil {
		return fmt.Errorf("loading summary: %w", err)
	}
	if c.JSON {
		enc := json.NewEncoder(app.out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printSummary(app, s)
	return nil
}

func printSummary(app *App, s *repo.Summary) {
	bold := color.New(color.Bold)
	fmt.Fprintln(app.out, bold.Sprint(s.Date.Format("Monday, 2 January 2006")))

	calories := fmt.Sprintf("%g / %g kcal", s.Calories.Eaten, s.Calories.Target)
	if s.Calories.Eaten > s.Calories.Target {
		calories = color.RedString(calories)
	} else {
		calories = color.GreenString(calories)
	}
	fmt.Fprintf(app.out, "  calories        %s\n", calories)

	weight := "-"
	if s.LastWeight != nil {
		weight = fmt.Sprintf("%s (%s)", s.LastWeight, formatTime(s.LastWeight.Time()))
	}
	fmt.Fprintf(app.out, "  last weight     %s\n", weight)

	bp := "-"
	if s.LastBP != nil {
		bp = fmt.Sprintf("%s (%s)", s.LastBP, formatTime(s.LastBP.Time()))
	}
	fmt.Fprintf(app.out, "  last pressure   %s\n", bp)
}

// TargetCmd shows or sets the calories target.
type TargetCmd struct {
	Calories float64 `arg:"" optional:"" help:"New daily target in kcal. Omit to show the current target."`
}

func (c *TargetCmd) Run(ctx context.Context, app *App) error {
	r, err := app.Repo()
	if err != nil {
		return err
	}
	if c.Calories == 0 {
		target, err := r.Settings.CaloriesTarget(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.out, "%g kcal\n", target)
		return nil
	}
	if err := r.Settings.SetCaloriesTarget(ctx, c.Calories); err != nil {
		return err
	}
	fmt.Fprintf(app.out, "%s calories target %g kcal\n", color.GreenString("set"), c.Calories)
	return nil
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func suffix(c *color.Color, parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return ""
	}
	return " " + c.Sprintf("(%s)", strings.Join(nonEmpty, "; "))
}
