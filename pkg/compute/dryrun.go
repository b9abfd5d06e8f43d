package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// dryRunBackend stands in for a real Backend: every launch is logged instead
// of submitted, and immediately reports as succeeded on the first poll —
// mirroring the tracker package's dry-run wrapper so a full dry-run pass
// exercises the orchestrator without ever touching a tracker repo or
// spending compute.
type dryRunBackend struct {
	log *tracker.DryRunLogger

	mu    sync.Mutex
	known map[string]bool
}

// WithDryRun returns a Backend that writes LaunchAgent/CancelRun calls to
// log instead of performing them. It does not wrap another backend: Poll
// answers only for runs this backend launched, each of which reports
// RunSucceeded on the first poll; any other run id is an error.
func WithDryRun(log *tracker.DryRunLogger) Backend {
	return &dryRunBackend{log: log, known: make(map[string]bool)}
}

func (b *dryRunBackend) LaunchAgent(ctx context.Context, cfg LaunchConfig) (string, error) {
	runID := uuid.NewString()
	b.mu.Lock()
	b.known[runID] = true
	b.mu.Unlock()
	b.log.Log("compute.launch_agent", map[string]any{
		"execution_id": cfg.ExecutionID,
		"issue_number": cfg.IssueNumber,
		"mode":         cfg.Mode,
		"run_id":       runID,
	})
	return runID, nil
}

func (b *dryRunBackend) CancelRun(ctx context.Context, externalRunID string) error {
	b.log.Log("compute.cancel_run", map[string]any{"run_id": externalRunID})
	return nil
}

func (b *dryRunBackend) Poll(ctx context.Context, externalRunID string) (PollResult, error) {
	b.mu.Lock()
	_, ok := b.known[externalRunID]
	b.mu.Unlock()
	if !ok {
		return PollResult{}, fmt.Errorf("compute: dry run: unknown run %s", externalRunID)
	}
	return PollResult{
		State:  RunSucceeded,
		Result: "dry run: no agent was actually launched",
		Branch: "",
		PRURL:  "",
	}, nil
}
