package validation

import (
	"fmt"

	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
)

// ValidatePositive validates that an integer value is positive (> 0).
func ValidatePositive(module, field string, value int) error {
	if value <= 0 {
		return gferrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidateNonNegative validates that an integer value is >= 0.
func ValidateNonNegative(module, field string, value int) error {
	if value < 0 {
		return gferrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 or a positive value")
	}
	return nil
}

// ValidateTicks validates a tick count used to arm a timer or delayed unit.
// Zero ticks is rejected since a zero-length expiry never leaves the
// current tick.
func ValidateTicks(module, field string, ticks uint64) error {
	if ticks == 0 {
		return gferrors.NewValidationError(module, field, ticks, "must be at least one tick").
			WithHint("express delays in clock ticks, e.g. hz for one second")
	}
	return nil
}

// ValidateRange validates that min <= value <= max.
func ValidateRange(module, field string, value, min, max int) error {
	if value < min || value > max {
		return gferrors.NewValidationError(module, field, value, "out of range").
			WithHint(fmt.Sprintf("use a value between %d and %d", min, max))
	}
	return nil
}

// ValidateNotEmpty validates that a string value is not empty.
func ValidateNotEmpty(module, field string, value string) error {
	if value == "" {
		return gferrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidateOneOf validates that value is one of the allowed strings.
func ValidateOneOf(module, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return gferrors.NewValidationError(module, field, value, "unsupported value").
		WithHint(fmt.Sprintf("use one of %v", allowed))
}
