// Package audit owns the tamper-evident record model and the ingestion
// pipeline that stamps, stores, and fans out security-relevant events.
package audit

import (
	"time"

	dErrors "veritas/pkg/domain-errors"

	"veritas/internal/integrity"
)

// Severity classifies how security-relevant an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a member of the severity enum.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Actor identifies who or what produced an event.
type Actor struct {
	ID        string `json:"id"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Action describes what the actor did.
type Action struct {
	Type     string         `json:"type"`
	Resource string         `json:"resource,omitempty"`
	Method   string         `json:"method,omitempty"`
	Success  bool           `json:"success"`
	Details  map[string]any `json:"details,omitempty"`
}

// Compliance ties an event to regulatory frameworks and detected violations.
type Compliance struct {
	Frameworks []string `json:"frameworks,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// AuditRecord is immutable once written. Integrity is populated by the hash
// chain module during ingestion, never by the caller, and Sequence gives the
// append order the chain is verified in. Deletion by the retention scheduler
// is the only allowed destructive operation.
type AuditRecord struct {
	ID         string          `json:"id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	EventType  string          `json:"eventType"`
	Severity   Severity        `json:"severity"`
	Actor      Actor           `json:"actor"`
	Action     Action          `json:"action"`
	Compliance Compliance      `json:"compliance"`
	Integrity  integrity.Stamp `json:"integrity"`
}

// hashableContent returns the record with the integrity field excluded, in
// the shape content hashes are computed over. Timestamps are fixed to RFC3339
// nanoseconds in UTC so serialization is reproducible across stores.
func (r *AuditRecord) hashableContent() map[string]any {
	return map[string]any{
		"id":        r.ID,
		"sequence":  r.Sequence,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
		"eventType": r.EventType,
		"severity":  string(r.Severity),
		"actor": map[string]any{
			"id":        r.Actor.ID,
			"ip":        r.Actor.IP,
			"userAgent": r.Actor.UserAgent,
			"sessionId": r.Actor.SessionID,
		},
		"action": map[string]any{
			"type":     r.Action.Type,
			"resource": r.Action.Resource,
			"method":   r.Action.Method,
			"success":  r.Action.Success,
			"details":  r.Action.Details,
		},
		"compliance": map[string]any{
			"frameworks": emptyIfNil(r.Compliance.Frameworks),
			"violations": emptyIfNil(r.Compliance.Violations),
		},
	}
}

// emptyIfNil keeps nil and empty slices hash-identical: stores round-trip
// empty arrays, callers often omit them entirely.
func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// NewRecord is the caller-supplied portion of a record handed to Ingest.
type NewRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	EventType  string     `json:"eventType"`
	Severity   Severity   `json:"severity"`
	Actor      Actor      `json:"actor"`
	Action     Action     `json:"action"`
	Compliance Compliance `json:"compliance"`
}

// Validate rejects malformed input before it touches the chain.
func (n *NewRecord) Validate() error {
	if n.EventType == "" {
		return dErrors.New(dErrors.CodeBadRequest, "eventType is required")
	}
	if !n.Severity.IsValid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "severity %q is not one of low, medium, high, critical", n.Severity)
	}
	if n.Actor.ID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "actor.id is required")
	}
	if n.Action.Type == "" {
		return dErrors.New(dErrors.CodeBadRequest, "action.type is required")
	}
	return nil
}
