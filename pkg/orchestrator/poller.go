package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/dragonflyic/agent-grid/pkg/compute"
	"github.com/dragonflyic/agent-grid/pkg/eventbus"
)

// Poller periodically polls every active execution's compute-backend run
// and translates a terminal PollResult into AGENT_COMPLETED/AGENT_FAILED —
// the push-callback shape anticipated by §6 has no local equivalent, so
// the poll-style LocalBackend needs something watching in-flight runs.
// This also drives restart recovery: on first tick after a crash it finds
// every pending/running execution with a recorded external_run_id via
// GetActiveExecutionsWithExternalRunID and resumes polling it.
type Poller struct {
	orch     *Orchestrator
	interval time.Duration
}

// NewPoller constructs a Poller bound to orch, polling every interval.
func NewPoller(orch *Orchestrator, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{orch: orch, interval: interval}
}

// Run blocks, polling on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	o := p.orch
	executions, err := o.deps.Store.GetActiveExecutionsWithExternalRunID(ctx)
	if err != nil {
		slog.Error("poller: list active executions", "error", err)
		return
	}

	for _, exec := range executions {
		result, err := o.deps.Compute.Poll(ctx, *exec.ExternalRunID)
		if err != nil {
			slog.Error("poller: poll run", "execution_id", exec.ID, "external_run_id", *exec.ExternalRunID, "error", err)
			continue
		}

		payload := map[string]interface{}{
			"execution_id": exec.ID.String(),
			"result":       result.Result,
			"branch":       result.Branch,
			"pr_url":       result.PRURL,
		}

		switch result.State {
		case compute.RunSucceeded:
			o.deps.Bus.Publish(eventbus.AgentCompleted, payload)
		case compute.RunFailed, compute.RunCancelled:
			o.deps.Bus.Publish(eventbus.AgentFailed, payload)
		default:
			// still pending/running, nothing to do this tick
		}
	}
}
