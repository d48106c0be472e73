// Package features derives the numeric feature vector used by the rule engine
// and the model from a normalized event and its enrichment.
package features

import (
	"math"
	"strings"
	"time"

	"secureops/internal/schema"
)

// FeatureVector maps feature name to value.
type FeatureVector map[string]float64

// Feature names.
const (
	ASN                = "asn"
	IsHighRiskCountry  = "is_high_risk_country"
	RepScore           = "rep_score"
	IsMalicious        = "is_malicious"
	IsSuspicious       = "is_suspicious"
	AssetCriticality   = "asset_criticality"
	IsProdEnvironment  = "is_prod_environment"
	HourOfDay          = "hour_of_day"
	DayOfWeek          = "day_of_week"
	IsWeekend          = "is_weekend"
	IsBusinessHours    = "is_business_hours"
	IsLoginAction      = "is_login_action"
	IsFailedAction     = "is_failed_action"
	IsAdminAction      = "is_admin_action"
	IsCriticalResource = "is_critical_resource"
	SeverityHint       = "severity_hint"
)

// Names lists every feature the extractor produces, in a stable order.
var Names = []string{
	ASN, IsHighRiskCountry, RepScore, IsMalicious, IsSuspicious,
	AssetCriticality, IsProdEnvironment, HourOfDay, DayOfWeek, IsWeekend,
	IsBusinessHours, IsLoginAction, IsFailedAction, IsAdminAction,
	IsCriticalResource, SeverityHint,
}

// HighRiskCountries contains the country codes flagged as high risk. XX is
// the geo fallback code.
var HighRiskCountries = map[string]bool{
	"CN": true, "RU": true, "KP": true, "IR": true, "XX": true,
}

// CriticalResourceTypes contains the lower-cased resource types treated as critical.
var CriticalResourceTypes = map[string]bool{
	"database": true, "s3": true, "rds": true,
}

// Neutral defaults for absent enrichment.
const (
	defaultReputationScore = 50
	defaultCriticality     = 1
)

// Business hours, inclusive on both ends.
const (
	businessHourStart = 9
	businessHourEnd   = 17
)

// Extractor builds feature vectors.
type Extractor struct {
	now      func() time.Time
	location *time.Location
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock sets the clock read for temporal features.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// WithLocation sets the pipeline's local time zone.
func WithLocation(loc *time.Location) Option {
	return func(e *Extractor) {
		if loc != nil {
			e.location = loc
		}
	}
}

// NewExtractor creates a new extractor. Temporal features default to UTC.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract computes the feature vector. It is total: absent event fields or
// enrichment map to neutral defaults. Temporal features use the extraction
// time, not the event time.
func (x *Extractor) Extract(event *schema.NormalizedEvent, enr *schema.Enrichment) FeatureVector {
	fv := make(FeatureVector, len(Names))

	var (
		country     string
		asn         int
		reputation  schema.Reputation
		repScore    = defaultReputationScore
		criticality = defaultCriticality
		environment schema.Environment
	)
	if enr != nil {
		if enr.Geo != nil {
			country = enr.Geo.CountryCode
			asn = enr.Geo.ASN
		}
		if enr.ThreatIntel != nil {
			reputation = enr.ThreatIntel.IPReputation
			repScore = enr.ThreatIntel.ReputationScore
		}
		if enr.AssetContext != nil {
			criticality = enr.AssetContext.Criticality
			environment = enr.AssetContext.Environment
		}
	}

	fv[ASN] = float64(asn)
	fv[IsHighRiskCountry] = indicator(HighRiskCountries[strings.ToUpper(country)])

	fv[RepScore] = ratio(float64(repScore), 100)
	fv[IsMalicious] = indicator(reputation == schema.ReputationMalicious)
	fv[IsSuspicious] = indicator(reputation == schema.ReputationSuspicious)

	fv[AssetCriticality] = ratio(float64(criticality), 5)
	fv[IsProdEnvironment] = indicator(environment == schema.EnvironmentProd)

	now := x.now().In(x.location)
	hour := now.Hour()
	// Monday is day 0.
	weekday := (int(now.Weekday()) + 6) % 7
	fv[HourOfDay] = ratio(float64(hour), 24)
	fv[DayOfWeek] = ratio(float64(weekday), 7)
	fv[IsWeekend] = indicator(weekday >= 5)
	fv[IsBusinessHours] = indicator(hour >= businessHourStart && hour <= businessHourEnd)

	var action, resourceType string
	severity := schema.SeverityDefault
	if event != nil {
		action = strings.ToLower(event.Action)
		resourceType = strings.ToLower(event.ResourceType())
		severity = event.SeverityHint
	}
	fv[IsLoginAction] = indicator(strings.Contains(action, "login"))
	fv[IsFailedAction] = indicator(strings.Contains(action, "fail"))
	fv[IsAdminAction] = indicator(strings.Contains(action, "admin") || strings.Contains(action, "root"))

	fv[IsCriticalResource] = indicator(CriticalResourceTypes[resourceType])
	fv[SeverityHint] = ratio(float64(severity), 5)

	return fv
}

func indicator(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// ratio divides v by denom and clamps the result to [0,1].
func ratio(v, denom float64) float64 {
	r := v / denom
	switch {
	case r < 0 || math.IsNaN(r):
		return 0
	case r > 1:
		return 1
	}
	return r
}
