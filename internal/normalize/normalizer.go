// Package normalize validates raw events and converts them to the canonical schema.
package normalize

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"secureops/internal/schema"
)

// requiredFields are checked in order before any normalization takes place.
var requiredFields = []string{"source", "actor", "action", "resource"}

// Normalizer converts raw events to NormalizedEvent.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used for received_at.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithIDGenerator sets the generator used when a raw event carries no event_id.
func WithIDGenerator(gen func() string) Option {
	return func(n *Normalizer) {
		n.newID = gen
	}
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize validates raw and returns its canonical form. sourceIP is the
// transport-level client address and only fills actor.ip when the raw actor
// has no ip key. The raw event is not modified.
func (n *Normalizer) Normalize(raw schema.RawEvent, sourceIP string) (*schema.NormalizedEvent, error) {
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, &schema.ValidationError{Field: field, Reason: "missing required field"}
		}
	}

	source, err := requireString(raw, "source")
	if err != nil {
		return nil, err
	}
	action, err := requireString(raw, "action")
	if err != nil {
		return nil, err
	}
	actor, err := requireObject(raw, "actor")
	if err != nil {
		return nil, err
	}
	resource, err := requireObject(raw, "resource")
	if err != nil {
		return nil, err
	}

	eventID, err := n.eventID(raw)
	if err != nil {
		return nil, err
	}
	severity, err := severityHint(raw)
	if err != nil {
		return nil, err
	}
	payload, err := optionalObject(raw, "payload")
	if err != nil {
		return nil, err
	}

	if _, ok := actor["ip"]; !ok && sourceIP != "" {
		actor["ip"] = sourceIP
	}

	return &schema.NormalizedEvent{
		EventID:       eventID,
		Source:        source,
		ReceivedAt:    n.now().UTC(),
		Actor:         actor,
		Action:        action,
		Resource:      resource,
		SeverityHint:  severity,
		Payload:       payload,
		SchemaVersion: schema.SchemaVersion,
	}, nil
}

func (n *Normalizer) eventID(raw schema.RawEvent) (string, error) {
	v, ok := raw["event_id"]
	if !ok || v == nil {
		return n.newID(), nil
	}
	id, ok := v.(string)
	if !ok {
		return "", &schema.ValidationError{Field: "event_id", Reason: "must be a string"}
	}
	if id == "" {
		return n.newID(), nil
	}
	return id, nil
}

func requireString(raw schema.RawEvent, field string) (string, error) {
	s, ok := raw[field].(string)
	if !ok {
		return "", &schema.ValidationError{Field: field, Reason: "must be a string"}
	}
	if s == "" {
		return "", &schema.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func requireObject(raw schema.RawEvent, field string) (map[string]any, error) {
	m, ok := asObject(raw[field])
	if !ok {
		return nil, &schema.ValidationError{Field: field, Reason: "must be an object"}
	}
	return copyMap(m), nil
}

func optionalObject(raw schema.RawEvent, field string) (map[string]any, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := asObject(v)
	if !ok {
		return nil, &schema.ValidationError{Field: field, Reason: "must be an object"}
	}
	return copyMap(m), nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case schema.RawEvent:
		return m, m != nil
	}
	return nil, false
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// severityHint reads severity_hint and clamps it to the declared range.
func severityHint(raw schema.RawEvent) (int, error) {
	v, ok := raw["severity_hint"]
	if !ok || v == nil {
		return schema.SeverityDefault, nil
	}

	var n float64
	switch s := v.(type) {
	case int:
		n = float64(s)
	case int32:
		n = float64(s)
	case int64:
		n = float64(s)
	case float32:
		n = float64(s)
	case float64:
		n = s
	default:
		return 0, &schema.ValidationError{Field: "severity_hint", Reason: fmt.Sprintf("must be an integer, got %T", v)}
	}

	if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
		return 0, &schema.ValidationError{Field: "severity_hint", Reason: "must be an integer"}
	}

	switch {
	case n < schema.SeverityMin:
		return schema.SeverityMin, nil
	case n > schema.SeverityMax:
		return schema.SeverityMax, nil
	}
	return int(n), nil
}
