package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	sgerrors "signguard/internal/errors"
)

// Validator checks events before they enter the pipeline.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()
	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event. Failures are validation errors.
func (v *Validator) Validate(ev SecurityEvent) error {
	if err := v.validate.Struct(ev); err != nil {
		return sgerrors.New(sgerrors.KindValidation, "event.validate", err)
	}

	now := time.Now().UTC()
	if ev.Timestamp.Before(now.Add(-v.maxAge)) {
		return sgerrors.Validation("event.validate", "timestamp too old: %v (max age: %v)", ev.Timestamp, v.maxAge)
	}
	if ev.Timestamp.After(now.Add(v.maxFuture)) {
		return sgerrors.Validation("event.validate", "timestamp in future: %v (max future: %v)", ev.Timestamp, v.maxFuture)
	}
	return nil
}

// ValidationErrors flattens validator field errors into readable messages.
func ValidationErrors(err error) []string {
	var fieldErrs validator.ValidationErrors
	if err == nil {
		return nil
	}
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return out
}
