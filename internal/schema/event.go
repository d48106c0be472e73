// Package schema defines the canonical event, enrichment and scoring types
// shared by every stage of the risk pipeline.
package schema

import (
	"time"
)

// SchemaVersion is stamped on every normalized event.
const SchemaVersion = "1.0"

// Severity hint bounds.
const (
	SeverityMin     = 1
	SeverityMax     = 5
	SeverityDefault = 1
)

// RawEvent is an untrusted event as decoded from any upstream source.
type RawEvent map[string]any

// NormalizedEvent is the canonical internal representation of an event.
// ReceivedAt is set once by the normalizer and never modified afterwards.
type NormalizedEvent struct {
	EventID       string         `json:"event_id"`
	Source        string         `json:"source"`
	ReceivedAt    time.Time      `json:"received_at"`
	Actor         map[string]any `json:"actor"`
	Action        string         `json:"action"`
	Resource      map[string]any `json:"resource"`
	SeverityHint  int            `json:"severity_hint"`
	Payload       map[string]any `json:"payload"`
	SchemaVersion string         `json:"schema_version"`
}

// Validate checks the invariants every normalized event must hold. It is used
// on events that arrive already normalized, such as from the input topic.
func (e *NormalizedEvent) Validate() error {
	switch {
	case e.EventID == "":
		return &ValidationError{Field: "event_id", Reason: "required"}
	case e.Source == "":
		return &ValidationError{Field: "source", Reason: "required"}
	case e.Action == "":
		return &ValidationError{Field: "action", Reason: "required"}
	case e.SeverityHint < SeverityMin || e.SeverityHint > SeverityMax:
		return &ValidationError{Field: "severity_hint", Reason: "out of range"}
	case e.ReceivedAt.IsZero():
		return &ValidationError{Field: "received_at", Reason: "required"}
	}
	return nil
}

// ActorIP returns actor.ip, or "" if absent or not a string.
func (e *NormalizedEvent) ActorIP() string {
	return stringField(e.Actor, "ip")
}

// ActorID returns actor.id, or "" if absent or not a string.
func (e *NormalizedEvent) ActorID() string {
	return stringField(e.Actor, "id")
}

// ResourceID returns resource.id, or "" if absent or not a string.
func (e *NormalizedEvent) ResourceID() string {
	return stringField(e.Resource, "id")
}

// ResourceType returns resource.type, or "" if absent or not a string.
func (e *NormalizedEvent) ResourceType() string {
	return stringField(e.Resource, "type")
}

// PartitionKey returns the stream partition key for the event.
func (e *NormalizedEvent) PartitionKey() string {
	id := e.ActorID()
	if id == "" {
		id = "unknown"
	}
	return id + "#" + e.Source
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Reputation is the label assigned to an IP by threat intelligence.
type Reputation string

const (
	ReputationClean      Reputation = "clean"
	ReputationSuspicious Reputation = "suspicious"
	ReputationMalicious  Reputation = "malicious"
	ReputationUnknown    Reputation = "unknown"
)

// IsValid checks if the reputation is a known label.
func (r Reputation) IsValid() bool {
	switch r {
	case ReputationClean, ReputationSuspicious, ReputationMalicious, ReputationUnknown:
		return true
	}
	return false
}

// Environment is the deployment environment of an asset.
type Environment string

const (
	EnvironmentDev     Environment = "dev"
	EnvironmentProd    Environment = "prod"
	EnvironmentUnknown Environment = "unknown"
)

// ThreatIntel is the IP reputation sub-bundle.
type ThreatIntel struct {
	IPReputation    Reputation `json:"ip_reputation" validate:"required,oneof=clean suspicious malicious unknown"`
	ReputationScore int        `json:"reputation_score" validate:"min=0,max=100"`
	Feeds           []string   `json:"feeds"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// Geo is the geolocation sub-bundle.
type Geo struct {
	CountryCode string `json:"country_code" validate:"required,len=2"`
	ASN         int    `json:"asn" validate:"min=0"`
	Org         string `json:"org" validate:"max=256"`
}

// AssetContext is the asset inventory sub-bundle.
type AssetContext struct {
	Environment Environment       `json:"environment" validate:"required,oneof=dev prod unknown"`
	Criticality int               `json:"criticality" validate:"min=1,max=5"`
	Owner       string            `json:"owner" validate:"max=256"`
	Tags        map[string]string `json:"tags"`
}

// LookupStatus describes what happened to a single enrichment lookup.
type LookupStatus string

const (
	LookupOK       LookupStatus = "ok"
	LookupFallback LookupStatus = "fallback"
	LookupSkipped  LookupStatus = "skipped"
)

// LookupOutcome records one enrichment lookup for observability.
type LookupOutcome struct {
	Lookup   string        `json:"lookup"`
	Status   LookupStatus  `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// EnrichmentMetadata is attached by the orchestrator. It is never used for scoring.
type EnrichmentMetadata struct {
	EnrichedAt      time.Time       `json:"enriched_at"`
	PipelineVersion string          `json:"pipeline_version"`
	Populated       int             `json:"populated"`
	Lookups         []LookupOutcome `json:"lookups,omitempty"`
}

// Enrichment is the contextual data attached to a normalized event.
// A nil sub-bundle means the lookup was not attempted.
type Enrichment struct {
	ThreatIntel  *ThreatIntel       `json:"threat_intel,omitempty"`
	Geo          *Geo               `json:"geo,omitempty"`
	AssetContext *AssetContext      `json:"asset_context,omitempty"`
	Metadata     EnrichmentMetadata `json:"metadata"`
}

// ScoringResult is produced once per event and never modified.
type ScoringResult struct {
	ModelScore     float64   `json:"model_score"`
	RuleScore      int       `json:"rule_score"`
	FinalScore     int       `json:"final_score"`
	Confidence     float64   `json:"confidence"`
	TriggeredRules []string  `json:"triggered_rules"`
	ModelVersion   string    `json:"model_version"`
	RulesVersion   string    `json:"rules_version"`
	DegradedRules  int       `json:"degraded_rules"`
	Degraded       bool      `json:"degraded"`
	ScoredAt       time.Time `json:"scored_at"`
}

// ScoredEvent is the pipeline output handed to downstream sinks.
type ScoredEvent struct {
	Event      NormalizedEvent `json:"event"`
	Enrichment Enrichment      `json:"enrichment"`
	Scoring    ScoringResult   `json:"scoring"`
}
