// Package retention enforces lifecycle policies over stored audit records:
// admin-managed policies select records by age and classification, and a
// scheduler periodically purges what they match.
package retention

import (
	"time"

	dErrors "veritas/pkg/domain-errors"
)

// RetentionPolicy selects records older than the retention period,
// optionally narrowed by compliance framework or event type. Policies with
// AutoDelete disabled only report what they would purge.
type RetentionPolicy struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	RetentionPeriodDays int        `json:"retentionPeriodDays"`
	Frameworks          []string   `json:"frameworks,omitempty"`
	EventTypes          []string   `json:"eventTypes,omitempty"`
	AutoDelete          bool       `json:"autoDelete"`
	LastExecutedAt      *time.Time `json:"lastExecutedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Cutoff returns the purge boundary for this policy relative to now.
// Records with a timestamp strictly before the cutoff are in scope.
func (p *RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionPeriodDays)
}

// Validate rejects malformed policies before they are persisted.
func (p *RetentionPolicy) Validate() error {
	if p.Name == "" {
		return dErrors.New(dErrors.CodeBadRequest, "policy name is required")
	}
	if p.RetentionPeriodDays <= 0 {
		return dErrors.New(dErrors.CodeBadRequest, "retentionPeriodDays must be positive")
	}
	return nil
}

// PurgeResult reports the outcome of applying one policy in one run.
type PurgeResult struct {
	PolicyID   string    `json:"policyId"`
	PolicyName string    `json:"policyName"`
	Matched    int64     `json:"matched"`
	Deleted    int64     `json:"deleted"`
	DryRun     bool      `json:"dryRun"`
	Cutoff     time.Time `json:"cutoff"`
}
