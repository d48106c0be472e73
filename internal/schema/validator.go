package schema

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// countryPattern matches ISO 3166-1 alpha-2 codes in upper case.
var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// ValidationError reports a malformed or incomplete raw event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on field %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator checks provider responses before they are attached to an event.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator. It panics if the custom tags cannot
// be registered, which only happens on a malformed tag name.
func NewValidator() *Validator {
	v := validator.New()
	if err := registerCustomValidations(v); err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return &Validator{validate: v}
}

func registerCustomValidations(v *validator.Validate) error {
	err := v.RegisterValidation("country_code", func(fl validator.FieldLevel) bool {
		return countryPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		return fmt.Errorf("register country_code validation: %w", err)
	}
	return nil
}

// ValidateThreatIntel validates a threat intelligence response.
func (v *Validator) ValidateThreatIntel(ti *ThreatIntel) error {
	if ti == nil {
		return errors.New("threat intel response is nil")
	}
	if err := v.validate.Struct(ti); err != nil {
		return fmt.Errorf("invalid threat intel: %w", err)
	}
	return nil
}

// ValidateGeo validates a geolocation response.
func (v *Validator) ValidateGeo(g *Geo) error {
	if g == nil {
		return errors.New("geo response is nil")
	}
	if err := v.validate.Struct(g); err != nil {
		return fmt.Errorf("invalid geo: %w", err)
	}
	if err := v.validate.Var(g.CountryCode, "country_code"); err != nil {
		return fmt.Errorf("invalid geo country code %q", g.CountryCode)
	}
	return nil
}

// ValidateAssetContext validates an asset context response.
func (v *Validator) ValidateAssetContext(ac *AssetContext) error {
	if ac == nil {
		return errors.New("asset context response is nil")
	}
	if err := v.validate.Struct(ac); err != nil {
		return fmt.Errorf("invalid asset context: %w", err)
	}
	return nil
}
