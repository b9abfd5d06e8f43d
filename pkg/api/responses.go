package api

import "time"

// ExecutionResponse is the JSON shape returned for a single execution.
type ExecutionResponse struct {
	ID            string     `json:"id"`
	IssueID       string     `json:"issue_id"`
	Status        string     `json:"status"`
	Mode          string     `json:"mode"`
	Result        *string    `json:"result,omitempty"`
	Branch        *string    `json:"branch,omitempty"`
	PRNumber      *int       `json:"pr_number,omitempty"`
	ExternalRunID *string    `json:"external_run_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IssueStateResponse is the JSON shape returned for a single issue state.
type IssueStateResponse struct {
	IssueNumber    int                    `json:"issue_number"`
	Repo           string                 `json:"repo"`
	Classification string                 `json:"classification,omitempty"`
	ParentIssue    *int                   `json:"parent_issue,omitempty"`
	SubIssues      []int                  `json:"sub_issues,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// BudgetStatusResponse is returned by GET /api/v1/budget.
type BudgetStatusResponse struct {
	ConcurrentExecutions int `json:"concurrent_executions"`
	MaxConcurrent        int `json:"max_concurrent_executions"`
	TokensUsedToday      int `json:"tokens_used_today"`
	DurationSecondsToday int `json:"duration_seconds_today"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

// NudgeRequest is the request body for POST /api/v1/issues/:number/nudge.
type NudgeRequest struct {
	Reason string `json:"reason"`
}
