package core

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"fincoach/internal/types"
)

// Validator wraps go-playground/validator with domain rules and maps
// tag failures onto the API error taxonomy.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a Validator with the billing_cycle custom tag
// registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("billing_cycle", func(fl validator.FieldLevel) bool {
		switch types.BillingCycle(fl.Field().String()) {
		case types.CycleMonthly, types.CycleYearly:
			return true
		}
		return false
	})
	return &Validator{v: v}
}

// ValidateStruct validates dst against its struct tags. The first
// failing field determines the AppError code: required failures map to
// validation_missing_required_field, the billing_cycle tag to
// validation_invalid_billing_cycle, everything else to
// validation_invalid_field.
func (val *Validator) ValidateStruct(dst interface{}) error {
	err := val.v.Struct(dst)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid request", err)
	}

	fe := errs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"missing required field: "+field, nil,
			map[string]any{"field": field})
	case "billing_cycle":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidCycle,
			"billing_cycle must be MONTHLY or YEARLY", nil,
			map[string]any{"field": field})
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"invalid value for field: "+field, nil,
			map[string]any{"field": field, "rule": fe.Tag()})
	}
}
