// Package record defines the health records persisted in the local database.
//
// Each record kind has its own Go type. Stored documents carry a "type" tag which
// Envelope uses to decode a document back into the matching variant.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Kind is the value of the "type" tag of a stored record.
type Kind string

const (
	KindBloodPressure Kind = "bp"
	KindWeight        Kind = "weight"
	KindMeal          Kind = "meal"
)

// Domain limits.
const (
	SystolicMin  = 60
	SystolicMax  = 250
	DiastolicMin = 30
	DiastolicMax = 150
	WeightMinKg  = 1
	WeightMaxKg  = 500
	CaloriesMin  = 1
	CaloriesMax  = 99999

	MaxNoteLength        = 500
	MaxDescriptionLength = 500
	MaxLocationLength    = 200
)

// ErrUnknownKind is returned when a stored document has an unrecognised type tag.
var ErrUnknownKind = errors.New("record: unknown kind")

// Record is implemented by every record variant.
type Record interface {
	RecordID() string
	RecordKind() Kind
	// Timestamp is the time the record refers to in epoch milliseconds.
	Timestamp() int64
}

// BloodPressure is a single blood pressure reading.
type BloodPressure struct {
	ID        string  `json:"id"`
	Type      Kind    `json:"type" validate:"eq=bp"`
	Systolic  float64 `json:"value" label:"systolic (mmHg)" validate:"finite,min=60,max=250"`
	Diastolic float64 `json:"value2" label:"diastolic (mmHg)" validate:"finite,min=30,max=150"`
	TS        int64   `json:"ts"`
	Note      string  `json:"note" validate:"max=500"`
	Location  string  `json:"location" validate:"max=200"`
}

func (b BloodPressure) RecordID() string { return b.ID }
func (b BloodPressure) RecordKind() Kind { return KindBloodPressure }
func (b BloodPressure) Timestamp() int64 { return b.TS }
func (b *BloodPressure) Validate() error { return validateStruct(b) }
func (b BloodPressure) Time() time.Time { return time.UnixMilli(b.TS) }
func (b BloodPressure) String() string { return fmt.Sprintf("%g/%g mmHg", b.Systolic, b.Diastolic) }

// Weight is a single body weight reading in kilograms.
type Weight struct {
	ID   string  `json:"id"`
	Type Kind    `json:"type" validate:"eq=weight"`
	Kg   float64 `json:"value" label:"weight (kg)" validate:"finite,min=1,max=500"`
	TS   int64   `json:"ts"`
	Note string  `json:"note" validate:"max=500"`
}

func (w Weight) RecordID() string { return w.ID }
func (w Weight) RecordKind() Kind { return KindWeight }
func (w Weight) Timestamp() int64 { return w.TS }
func (w *Weight) Validate() error { return validateStruct(w) }
func (w Weight) Time() time.Time { return time.UnixMilli(w.TS) }
func (w Weight) String() string { return fmt.Sprintf("%g kg", w.Kg) }

// Image is an optional photo attached to a meal.
type Image struct {
	Type string `json:"type" label:"image" validate:"startswith=image/"`
	Data []byte `json:"data" label:"image" validate:"required"`
}

// Meal is a single meal entry.
type Meal struct {
	ID          string  `json:"id"`
	Type        Kind    `json:"type" validate:"eq=meal"`
	Calories    float64 `json:"calories" label:"calories" validate:"finite,min=1,max=99999"`
	Description string  `json:"description" validate:"max=500"`
	Protein     float64 `json:"protein" label:"protein (g)" validate:"finite,gte=0"`
	Carbs       float64 `json:"carbs" label:"carbs (g)" validate:"finite,gte=0"`
	Fats        float64 `json:"fats" label:"fats (g)" validate:"finite,gte=0"`
	Image       *Image  `json:"image" validate:"omitempty"`
	TS          int64   `json:"ts"`
	Note        string  `json:"note" validate:"max=500"`
}

func (m Meal) RecordID() string { return m.ID }
func (m Meal) RecordKind() Kind { return KindMeal }
func (m Meal) Timestamp() int64 { return m.TS }
func (m *Meal) Validate() error { return validateStruct(m) }
func (m Meal) Time() time.Time { return time.UnixMilli(m.TS) }

// BloodPressureInput holds the user supplied fields of a blood pressure reading.
type BloodPressureInput struct {
	Systolic  float64
	Diastolic float64
	At        time.Time // zero means now
	Note      string
	Location  string
}

// NewBloodPressure builds and validates a blood pressure record.
func NewBloodPressure(in BloodPressureInput) (*BloodPressure, error) {
	bp := &BloodPressure{
		ID:        uuid.NewString(),
		Type:      KindBloodPressure,
		Systolic:  in.Systolic,
		Diastolic: in.Diastolic,
		TS:        timestamp(in.At),
		Note:      strings.TrimSpace(in.Note),
		Location:  strings.TrimSpace(in.Location),
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return bp, nil
}

// WeightInput holds the user supplied fields of a weight reading.
type WeightInput struct {
	Kg   float64
	At   time.Time
	Note string
}

// NewWeight builds and validates a weight record.
func NewWeight(in WeightInput) (*Weight, error) {
	w := &Weight{
		ID:   uuid.NewString(),
		Type: KindWeight,
		Kg:   in.Kg,
		TS:   timestamp(in.At),
		Note: strings.TrimSpace(in.Note),
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// MealInput holds the user supplied fields of a meal.
type MealInput struct {
	Calories    float64
	Description string
	Protein     float64
	Carbs       float64
	Fats        float64
	Image       *Image
	At          time.Time
	Note        string
}

// NewMeal builds and validates a meal record.
func NewMeal(in MealInput) (*Meal, error) {
	m := &Meal{
		ID:          uuid.NewString(),
		Type:        KindMeal,
		Calories:    in.Calories,
		Description: strings.TrimSpace(in.Description),
		Protein:     in.Protein,
		Carbs:       in.Carbs,
		Fats:        in.Fats,
		Image:       in.Image,
		TS:          timestamp(in.At),
		Note:        strings.TrimSpace(in.Note),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func timestamp(at time.Time) int64 {
	if at.IsZero() {
		return time.Now().UnixMilli()
	}
	return at.UnixMilli()
}

// Envelope wraps a Record so stored documents can be decoded without knowing
// their kind up front.
type Envelope struct {
	Record
}

// UnmarshalJSON decodes the document into the variant named by its type tag.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	kind := Kind(gjson.GetBytes(data, "type").String())
	var rec Record
	switch kind {
	case KindBloodPressure:
		var bp BloodPressure
		if err := json.Unmarshal(data, &bp); err != nil {
			return fmt.Errorf("decoding blood pressure: %w", err)
		}
		rec = &bp
	case KindWeight:
		var w Weight
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decoding weight: %w", err)
		}
		rec = &w
	case KindMeal:
		var m Meal
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decoding meal: %w", err)
		}
		rec = &m
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	e.Record = rec
	return nil
}

// MarshalJSON encodes the wrapped record.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Record == nil {
		return []byte("null"), nil
	}
	return json.Marshal(e.Record)
}

// Kind returns the kind of the wrapped record, or "" when empty.
func (e Envelope) Kind() Kind {
	if e.Record == nil {
		return ""
	}
	return e.RecordKind()
}

// Decode decodes a stored document into its record variant.
func Decode(data []byte) (Record, error) {
	var env Envelope
	if err := env.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return env.Record, nil
}
