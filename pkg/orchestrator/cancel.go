package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dragonflyic/agent-grid/pkg/store"
)

// CancelExecution cancels a pending or running execution: it asks the
// compute backend to stop the run (best-effort, if one was ever launched),
// marks the execution failed, and transitions the issue's label back to
// ag/failed so a human sees the outcome.
func (o *Orchestrator) CancelExecution(ctx context.Context, id uuid.UUID) error {
	exec, err := o.deps.Store.GetExecution(ctx, id)
	if err != nil {
		return fmt.Errorf("orchestrator: cancel execution: %w", err)
	}
	if exec.Status != store.StatusPending && exec.Status != store.StatusRunning {
		return fmt.Errorf("orchestrator: cancel execution: %s is not active", exec.Status)
	}

	if exec.ExternalRunID != nil {
		if err := o.deps.Compute.CancelRun(ctx, *exec.ExternalRunID); err != nil {
			slog.Error("cancel execution: compute backend cancel failed", "execution_id", exec.ID, "error", err)
		}
	}

	cancelled := "Cancelled by operator"
	if err := o.deps.Store.UpdateExecutionResult(ctx, exec.ID, store.StatusFailed, &cancelled, exec.PRNumber, exec.Branch, exec.Checkpoint); err != nil {
		return fmt.Errorf("orchestrator: cancel execution: mark failed: %w", err)
	}
	return o.labels.TransitionTo(ctx, o.deps.Repo, repoLocalIssueID(exec.IssueID), "ag/failed")
}
