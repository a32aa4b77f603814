package record

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBloodPressure(t *testing.T) {
	at := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)

	t.Run("valid reading", func(t *testing.T) {
		bp, err := NewBloodPressure(BloodPressureInput{Systolic: 120, Diastolic: 80, At: at, Note: "  after coffee "})
		require.NoError(t, err)
		assert.NotEmpty(t, bp.ID)
		assert.Equal(t, KindBloodPressure, bp.Type)
		assert.Equal(t, at.UnixMilli(), bp.TS)
		assert.Equal(t, "after coffee", bp.Note)
		assert.Equal(t, "120/80 mmHg", bp.String())
	})

	t.Run("ids are unique", func(t *testing.T) {
		a, err := NewBloodPressure(BloodPressureInput{Systolic: 120, Diastolic: 80})
		require.NoError(t, err)
		b, err := NewBloodPressure(BloodPressureInput{Systolic: 120, Diastolic: 80})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("zero time defaults to now", func(t *testing.T) {
		before := time.Now().UnixMilli()
		bp, err := NewBloodPressure(BloodPressureInput{Systolic: 120, Diastolic: 80})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, bp.TS, before)
	})

	tests := []struct {
		name  string
		in    BloodPressureInput
		field string
		tag   string
	}{
		{"systolic too low", BloodPressureInput{Systolic: 59, Diastolic: 80}, "systolic (mmHg)", "min"},
		{"systolic too high", BloodPressureInput{Systolic: 251, Diastolic: 80}, "systolic (mmHg)", "max"},
		{"diastolic too low", BloodPressureInput{Systolic: 120, Diastolic: 29}, "diastolic (mmHg)", "min"},
		{"diastolic too high", BloodPressureInput{Systolic: 120, Diastolic: 151}, "diastolic (mmHg)", "max"},
		{"systolic NaN", BloodPressureInput{Systolic: math.NaN(), Diastolic: 80}, "systolic (mmHg)", "finite"},
		{"note too long", BloodPressureInput{Systolic: 120, Diastolic: 80, Note: strings.Repeat("a", 501)}, "note", "max"},
		{"location too long", BloodPressureInput{Systolic: 120, Diastolic: 80, Location: strings.Repeat("a", 201)}, "location", "max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBloodPressure(tt.in)
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, tt.tag, ve.Tag)
			assert.True(t, IsValidationError(err))
		})
	}

	t.Run("bounds are inclusive", func(t *testing.T) {
		_, err := NewBloodPressure(BloodPressureInput{Systolic: 60, Diastolic: 150})
		require.NoError(t, err)
		_, err = NewBloodPressure(BloodPressureInput{Systolic: 250, Diastolic: 30})
		require.NoError(t, err)
	})
}

func TestNewWeight(t *testing.T) {
	w, err := NewWeight(WeightInput{Kg: 500})
	require.NoError(t, err)
	assert.Equal(t, KindWeight, w.RecordKind())

	_, err = NewWeight(WeightInput{Kg: 500.1})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "weight (kg) must be at most 500", ve.Message)

	_, err = NewWeight(WeightInput{Kg: 0.5})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "weight (kg) must be at least 1", ve.Message)

	_, err = NewWeight(WeightInput{Kg: math.Inf(1)})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "finite", ve.Tag)
}

func TestNewMeal(t *testing.T) {
	t.Run("valid meal with image", func(t *testing.T) {
		m, err := NewMeal(MealInput{
			Calories:    650,
			Description: "pasta",
			Protein:     20,
			Image:       &Image{Type: "image/jpeg", Data: []byte{0xff, 0xd8}},
		})
		require.NoError(t, err)
		assert.Equal(t, KindMeal, m.Type)
		assert.NotNil(t, m.Image)
	})

	t.Run("calories out of range", func(t *testing.T) {
		_, err := NewMeal(MealInput{Calories: 0})
		require.True(t, IsValidationError(err))
		_, err = NewMeal(MealInput{Calories: 100000})
		require.True(t, IsValidationError(err))
	})

	t.Run("negative macros rejected", func(t *testing.T) {
		_, err := NewMeal(MealInput{Calories: 300, Fats: -1})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "fats (g)", ve.Field)
		assert.Equal(t, "gte", ve.Tag)
	})

	t.Run("non image attachment rejected", func(t *testing.T) {
		_, err := NewMeal(MealInput{Calories: 300, Image: &Image{Type: "text/plain", Data: []byte("x")}})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "startswith", ve.Tag)
	})

	t.Run("description counts characters", func(t *testing.T) {
		_, err := NewMeal(MealInput{Calories: 300, Description: strings.Repeat("é", 500)})
		require.NoError(t, err)
	})
}

func TestEnvelope(t *testing.T) {
	bp, err := NewBloodPressure(BloodPressureInput{Systolic: 118, Diastolic: 76, Location: "Home"})
	require.NoError(t, err)

	data, err := json.Marshal(bp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"bp"`)
	assert.Contains(t, string(data), `"value2":76`)

	rec, err := Decode(data)
	require.NoError(t, err)
	got, ok := rec.(*BloodPressure)
	require.True(t, ok, "expected *BloodPressure, got %T", rec)
	assert.Equal(t, *bp, *got)

	t.Run("dispatches on type tag", func(t *testing.T) {
		var envs []Envelope
		docs := `[{"id":"a","type":"weight","value":72.5,"ts":1},{"id":"b","type":"meal","calories":400,"ts":2}]`
		require.NoError(t, json.Unmarshal([]byte(docs), &envs))
		require.Len(t, envs, 2)
		assert.Equal(t, KindWeight, envs[0].Kind())
		assert.Equal(t, KindMeal, envs[1].Kind())
		assert.Equal(t, 72.5, envs[0].Record.(*Weight).Kg)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"x","type":"steps"}`))
		require.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("empty envelope marshals to null", func(t *testing.T) {
		data, err := json.Marshal(Envelope{})
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))
		assert.Equal(t, Kind(""), Envelope{}.Kind())
	})
}

func TestParseDateTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 14, 5, 0, 0, time.UTC)

	got, err := ParseDateTime("", "", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	got, err = ParseDateTime("2024-04-30", "07:45", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 7, 45, 0, 0, time.UTC), got)

	got, err = ParseDateTime("", "09:00", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), got)

	got, err = ParseDateTime("2024-04-30", "", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseDateTime("30/04/2024", "", now, time.UTC)
	require.True(t, IsValidationError(err))

	_, err = ParseDateTime("2024-04-30", "7pm", now, time.UTC)
	require.True(t, IsValidationError(err))
}
