package schema

import (
	"fmt"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestValidator_ValidateThreatIntel(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		ti      *ThreatIntel
		wantErr bool
	}{
		{"valid malicious", &ThreatIntel{IPReputation: ReputationMalicious, ReputationScore: 90}, false},
		{"valid unknown zero", &ThreatIntel{IPReputation: ReputationUnknown, ReputationScore: 0}, false},
		{"nil", nil, true},
		{"bad label", &ThreatIntel{IPReputation: "evil", ReputationScore: 10}, true},
		{"empty label", &ThreatIntel{ReputationScore: 10}, true},
		{"score too high", &ThreatIntel{IPReputation: ReputationClean, ReputationScore: 101}, true},
		{"score negative", &ThreatIntel{IPReputation: ReputationClean, ReputationScore: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateThreatIntel(tt.ti)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateThreatIntel() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidator_ValidateGeo(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		geo     *Geo
		wantErr bool
	}{
		{"valid", &Geo{CountryCode: "US", ASN: 13335, Org: "ISP-US"}, false},
		{"fallback shape", &Geo{CountryCode: "XX", ASN: 0, Org: "unknown"}, false},
		{"lower case", &Geo{CountryCode: "us", ASN: 1}, true},
		{"three letters", &Geo{CountryCode: "USA", ASN: 1}, true},
		{"negative asn", &Geo{CountryCode: "US", ASN: -5}, true},
		{"nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateGeo(tt.geo)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGeo() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterCustomValidations(t *testing.T) {
	v := validator.New()
	if err := registerCustomValidations(v); err != nil {
		t.Fatalf("registerCustomValidations() error = %v", err)
	}
	if err := v.Var("GB", "country_code"); err != nil {
		t.Errorf("Var(GB) error = %v, want nil", err)
	}
	if err := v.Var("gb", "country_code"); err == nil {
		t.Error("Var(gb) error = nil, want failure")
	}
}

func TestValidator_ValidateAssetContext(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		ac      *AssetContext
		wantErr bool
	}{
		{"valid prod", &AssetContext{Environment: EnvironmentProd, Criticality: 5, Owner: "team"}, false},
		{"valid unknown", &AssetContext{Environment: EnvironmentUnknown, Criticality: 1}, false},
		{"criticality zero", &AssetContext{Environment: EnvironmentDev, Criticality: 0}, true},
		{"criticality six", &AssetContext{Environment: EnvironmentDev, Criticality: 6}, true},
		{"bad environment", &AssetContext{Environment: "staging", Criticality: 2}, true},
		{"nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAssetContext(tt.ac)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAssetContext() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "source", Reason: "missing required field"}

	want := "validation failed on field source: missing required field"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if !IsValidationError(err) {
		t.Error("IsValidationError() = false for ValidationError")
	}
	if !IsValidationError(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsValidationError() = false for wrapped ValidationError")
	}
	if IsValidationError(fmt.Errorf("other")) {
		t.Error("IsValidationError() = true for plain error")
	}
}

func TestNormalizedEvent_Accessors(t *testing.T) {
	e := &NormalizedEvent{
		Source:   "cloudtrail",
		Actor:    map[string]any{"id": "admin@x", "ip": "203.0.113.1"},
		Resource: map[string]any{"type": "database", "id": 42},
	}

	if got := e.ActorIP(); got != "203.0.113.1" {
		t.Errorf("ActorIP() = %q, want 203.0.113.1", got)
	}
	if got := e.ActorID(); got != "admin@x" {
		t.Errorf("ActorID() = %q, want admin@x", got)
	}
	if got := e.ResourceType(); got != "database" {
		t.Errorf("ResourceType() = %q, want database", got)
	}
	if got := e.ResourceID(); got != "" {
		t.Errorf("ResourceID() = %q, want empty for non-string id", got)
	}
	if got := e.PartitionKey(); got != "admin@x#cloudtrail" {
		t.Errorf("PartitionKey() = %q, want admin@x#cloudtrail", got)
	}

	empty := &NormalizedEvent{Source: "waf"}
	if got := empty.ActorIP(); got != "" {
		t.Errorf("ActorIP() on nil actor = %q, want empty", got)
	}
	if got := empty.PartitionKey(); got != "unknown#waf" {
		t.Errorf("PartitionKey() = %q, want unknown#waf", got)
	}
}

func TestReputation_IsValid(t *testing.T) {
	for _, r := range []Reputation{ReputationClean, ReputationSuspicious, ReputationMalicious, ReputationUnknown} {
		if !r.IsValid() {
			t.Errorf("%q.IsValid() = false, want true", r)
		}
	}
	if Reputation("bad").IsValid() {
		t.Error(`"bad".IsValid() = true, want false`)
	}
}
