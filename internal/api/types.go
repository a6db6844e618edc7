package api

import (
	"time"

	"github.com/samijaber1/aegis-authz/internal/reload"
	"github.com/samijaber1/aegis-authz/internal/storage"
)

// AuthorizeRequest carries a loosely typed attribute snapshot
type AuthorizeRequest struct {
	Attributes map[string]any `json:"attributes"`
}

// AuthorizeResponse represents an authorization decision
type AuthorizeResponse struct {
	Decision           string   `json:"decision"`
	MatchedPolicyNames []string `json:"matchedPolicyNames"`
	Reason             string   `json:"reason"`
	RevisionID         string   `json:"revisionId"`
	EvaluationErrors   []string `json:"evaluationErrors,omitempty"`
}

// PoliciesResponse describes the active revision
type PoliciesResponse struct {
	RevisionID string      `json:"revisionId"`
	Digest     string      `json:"digest"`
	Directory  string      `json:"directory"`
	LoadedAt   time.Time   `json:"loadedAt"`
	Sets       []PolicySet `json:"sets"`
}

// PolicySet is one set of the active revision, in evaluation order
type PolicySet struct {
	Effect      string         `json:"effect"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	File        string         `json:"file,omitempty"`
	Policies    []PolicySource `json:"policies"`
}

// PolicySource is a policy name and its condition text
type PolicySource struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
}

// ReloadResponse reports the outcome of a manual reload
type ReloadResponse struct {
	RevisionID string    `json:"revisionId"`
	Digest     string    `json:"digest"`
	LoadedAt   time.Time `json:"loadedAt"`
	Policies   int       `json:"policies"`
}

// StatsResponse reports counters for the active revision
type StatsResponse struct {
	RevisionID string                 `json:"revisionId"`
	Decisions  reload.StatsSnapshot   `json:"decisions"`
	TopMatches []string               `json:"topMatches"`
	Audit      *storage.RecorderStats `json:"audit,omitempty"`
}

// AuditResponse represents a page of audit records
type AuditResponse struct {
	Records []storage.DecisionRecord `json:"records"`
	Total   int                      `json:"total"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents readiness check response
type ReadyResponse struct {
	Ready      bool     `json:"ready"`
	RevisionID string   `json:"revisionId,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
