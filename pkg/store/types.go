// Package store implements the durable store: executions, issue state, the
// nudge queue, the webhook inbox, and cron cursors, all behind a single
// Postgres-backed interface.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionMode is the flavor of agent work requested for an execution.
type ExecutionMode string

const (
	ModeImplement         ExecutionMode = "implement"
	ModePlan              ExecutionMode = "plan"
	ModeAddressReview     ExecutionMode = "address_review"
	ModeRetryWithFeedback ExecutionMode = "retry_with_feedback"
	ModeFixCI             ExecutionMode = "fix_ci"
)

// Classification is the Classifier's verdict on an issue.
type Classification string

const (
	ClassificationSimple  Classification = "SIMPLE"
	ClassificationComplex Classification = "COMPLEX"
	ClassificationBlocked Classification = "BLOCKED"
	ClassificationSkip    Classification = "SKIP"
)

// Execution is one attempt by one agent on one issue in one mode.
type Execution struct {
	ID            uuid.UUID
	IssueID       string
	RepoURL       string
	Status        ExecutionStatus
	Mode          ExecutionMode
	Prompt        string
	Result        *string
	Branch        *string
	PRNumber      *int
	ExternalRunID *string
	Checkpoint    *Checkpoint
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// Checkpoint is opaque state handed from one execution to the next on the
// same issue. The core stores and forwards it verbatim.
type Checkpoint struct {
	ContextSummary string                 `json:"context_summary"`
	DecisionsMade  string                 `json:"decisions_made"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// IssueState is the derived per-issue record, upserted keyed by
// (issue_number, repo).
type IssueState struct {
	IssueNumber    int
	Repo           string
	Classification *Classification
	ParentIssue    *int
	SubIssues      []int
	RetryCount     int
	Metadata       map[string]interface{}
	LastCheckedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MetaInt reads an integer field out of Metadata, defaulting to 0.
func (s *IssueState) MetaInt(key string) int {
	if s.Metadata == nil {
		return 0
	}
	switch v := s.Metadata[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// MetaString reads a string field out of Metadata, defaulting to "".
func (s *IssueState) MetaString(key string) string {
	if s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// NudgeRequest is a queued external command to start work on a specific
// issue.
type NudgeRequest struct {
	ID                uuid.UUID
	IssueID           string
	SourceExecutionID *uuid.UUID
	Priority          int
	Reason            *string
	CreatedAt         time.Time
	ProcessedAt       *time.Time
}

// WebhookEvent is a raw ingress record persisted by the inbox handler.
type WebhookEvent struct {
	ID            uuid.UUID
	DeliveryID    string
	EventType     string
	Action        *string
	Repo          *string
	IssueID       *string
	Payload       string
	Processed     bool
	CoalescedInto *uuid.UUID
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
}

// ExecutionFilters narrows ListExecutions.
type ExecutionFilters struct {
	Status  *ExecutionStatus
	IssueID *string
	Limit   int
	Offset  int
}
