// Package storage defines the audit trail of policy revisions and
// authorization decisions.
package storage

import (
	"context"
	"time"
)

// Revision statuses
const (
	RevisionActive   = "active"
	RevisionRejected = "rejected"
)

// AuditStorage defines the interface for persisting revisions and decisions
type AuditStorage interface {
	// StoreRevision persists a policy load attempt, accepted or rejected
	StoreRevision(ctx context.Context, rev *RevisionRecord) error

	// StoreDecision persists a single authorization decision
	StoreDecision(ctx context.Context, rec *DecisionRecord) error

	// QueryAudit retrieves decision records with optional filtering
	QueryAudit(ctx context.Context, filter AuditFilter) ([]DecisionRecord, error)

	// GetLatestRevision retrieves the most recent active revision, or nil
	GetLatestRevision(ctx context.Context) (*RevisionRecord, error)

	// Close closes the storage connection
	Close() error
}

// DecisionWriter is the subset of AuditStorage the request path needs
type DecisionWriter interface {
	StoreDecision(ctx context.Context, rec *DecisionRecord) error
}

// AuditFilter defines filtering options for audit queries
type AuditFilter struct {
	Decision   string // ALLOW, DENY, UNKNOWN
	Policy     string // matched policy name
	RevisionID string
	Transport  string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// RevisionRecord describes one policy load attempt
type RevisionRecord struct {
	ID          string    `json:"id"`
	Digest      string    `json:"digest"`
	Directory   string    `json:"directory"`
	Status      string    `json:"status"`
	Effects     []string  `json:"effects"`
	PolicyCount int       `json:"policyCount"`
	Error       string    `json:"error,omitempty"`
	LoadedAt    time.Time `json:"loadedAt"`
}

// DecisionRecord represents a single audit entry
type DecisionRecord struct {
	ID               string         `json:"id"`
	RevisionID       string         `json:"revisionId"`
	Transport        string         `json:"transport"`
	Method           string         `json:"method,omitempty"`
	Decision         string         `json:"decision"`
	MatchedPolicies  []string       `json:"matchedPolicies"`
	Reason           string         `json:"reason"`
	EvaluationErrors []string       `json:"evaluationErrors,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	CreatedAt        time.Time      `json:"createdAt"`
}
