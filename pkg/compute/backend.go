// Package compute defines the narrow launch/cancel/poll contract the
// scheduler and control loop use to dispatch coding-agent runs onto
// external compute (§6), plus a local, worker-pool-based implementation
// for development and tests. The agent runtime itself — cloning a repo,
// running an LLM coding session, pushing a branch — is out of scope here;
// RunFunc is the seam a real implementation plugs into.
package compute

import (
	"context"
	"time"
)

// RunState is the lifecycle of a single compute-backend run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// LaunchConfig is the input to LaunchAgent.
type LaunchConfig struct {
	ExecutionID string
	RepoURL     string
	Prompt      string
	Mode        string
	IssueNumber int
	Context     map[string]interface{}
}

// PollResult is the output of Poll.
type PollResult struct {
	State  RunState
	Result string
	Branch string
	PRURL  string
}

// Backend is the abstract compute contract (§6). Two shapes are
// anticipated: push-callback (spawn an ephemeral worker that posts its
// result back) and pull-poll (periodic status check); LocalBackend
// implements the poll-style shape per SPEC_FULL.md's decision on the
// source's Open Question about deployment-mode dispatch.
type Backend interface {
	// LaunchAgent submits a run and returns an opaque handle for Poll/CancelRun.
	LaunchAgent(ctx context.Context, cfg LaunchConfig) (externalRunID string, err error)
	CancelRun(ctx context.Context, externalRunID string) error
	Poll(ctx context.Context, externalRunID string) (PollResult, error)
}

// RunFunc performs the actual agent work for one launch and returns its
// final result text, or an error if the run failed. A production backend
// wires this to a real coding-agent SDK; tests wire it to a stub.
type RunFunc func(ctx context.Context, cfg LaunchConfig) (result, branch, prURL string, err error)

// runRecord is the in-memory bookkeeping LocalBackend keeps per launch.
type runRecord struct {
	state     RunState
	result    string
	branch    string
	prURL     string
	startedAt time.Time
	cancel    context.CancelFunc
}
