package validation

import (
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("trust_source", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "manual", "automated", "seed":
			return true
		}
		return false
	})

	_ = v.RegisterValidation("trip_state", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "active", "completed", "failed":
			return true
		}
		return false
	})

	_ = v.RegisterValidation("event_direction", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "", "positive", "negative", "all":
			return true
		}
		return false
	})

	return v
}

// ValidateStruct validates a struct against its validation tags.
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			return NewValidationError(errs)
		}
		return err
	}
	return nil
}
