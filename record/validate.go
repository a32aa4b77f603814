package record

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidationError describes the first field of a record that failed validation.
// Message is suitable for showing to the user as is.
type ValidationError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report fields by their label, falling back to the stored JSON name.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if label := fld.Tag.Get("label"); label != "" {
				return label
			}
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})

		_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			switch fl.Field().Kind() {
			case reflect.Float32, reflect.Float64:
				f := fl.Field().Float()
				return !math.IsNaN(f) && !math.IsInf(f, 0)
			default:
				return true
			}
		})
	})
	return validate
}

func validateStruct(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validating record: %w", err)
	}
	fe := verrs[0]
	return &ValidationError{
		Field:   fe.Field(),
		Tag:     fe.Tag(),
		Param:   fe.Param(),
		Message: message(fe),
	}
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	isText := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "finite":
		return fmt.Sprintf("%s must be a number", field)
	case "min":
		if isText {
			return fmt.Sprintf("%s must have at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if isText {
			return fmt.Sprintf("%s can have at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be a non-negative number", field)
	case "startswith":
		return fmt.Sprintf("%s must have an image/* media type", field)
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "eq":
		return fmt.Sprintf("invalid record type %v", fe.Value())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// ParseDateTime combines a "YYYY-MM-DD" date and an "HH:MM" time in loc.
// Both empty means now; a missing date means today; a missing time means midnight.
func ParseDateTime(date, clock string, now time.Time, loc *time.Location) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" && clock == "" {
		return now, nil
	}
	if loc == nil {
		loc = time.Local
	}
	if date == "" {
		date = now.In(loc).Format(time.DateOnly)
	}
	if clock == "" {
		clock = "00:00"
	}
	d, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date", Tag: "date", Message: "invalid date format (expected YYYY-MM-DD)"}
	}
	c, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "time", Tag: "time", Message: "invalid time (expected HH:MM)"}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc), nil
}

// Validate checks v against its validate tags and returns a *ValidationError
// describing the first failing field.
func Validate(v any) error {
	return validateStruct(v)
}
