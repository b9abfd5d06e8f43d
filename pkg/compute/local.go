package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// LocalBackend runs agents as goroutines bounded by a worker-count
// semaphore, the same shape as the teacher's queue.WorkerPool but
// keyed by run handle instead of a claimed DB row (the claim already
// happened in the store before LaunchAgent is ever called, per I5).
//
// LocalBackend keeps no state across process restarts: a run whose
// external_run_id is unknown to this instance (because the process
// restarted) is reported failed on the next Poll, letting the
// orchestrator's Poller, which drives restart recovery, finalize it via the ordinary failure
// path instead of leaving it stuck in "running" forever.
type LocalBackend struct {
	runFn RunFunc
	sem   chan struct{}

	mu   sync.Mutex
	runs map[string]*runRecord
}

// NewLocalBackend constructs a LocalBackend with the given concurrency
// cap (mirrors max_concurrent_executions).
func NewLocalBackend(capacity int, runFn RunFunc) *LocalBackend {
	if capacity <= 0 {
		capacity = 1
	}
	return &LocalBackend{
		runFn: runFn,
		sem:   make(chan struct{}, capacity),
		runs:  make(map[string]*runRecord),
	}
}

func (b *LocalBackend) LaunchAgent(ctx context.Context, cfg LaunchConfig) (string, error) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.runs[runID] = &runRecord{state: RunPending, cancel: cancel}
	b.mu.Unlock()

	go b.execute(runCtx, runID, cfg)

	slog.Info("compute: launched agent", "external_run_id", runID, "issue_number", cfg.IssueNumber, "mode", cfg.Mode)
	return runID, nil
}

func (b *LocalBackend) execute(ctx context.Context, runID string, cfg LaunchConfig) {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		b.finish(runID, RunCancelled, "", "", "")
		return
	}

	b.setState(runID, RunRunning)

	result, branch, prURL, err := b.runFn(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			b.finish(runID, RunCancelled, ctx.Err().Error(), "", "")
			return
		}
		b.finish(runID, RunFailed, err.Error(), "", "")
		return
	}
	b.finish(runID, RunSucceeded, result, branch, prURL)
}

func (b *LocalBackend) setState(runID string, state RunState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.runs[runID]; ok {
		rec.state = state
	}
}

func (b *LocalBackend) finish(runID string, state RunState, result, branch, prURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.runs[runID]
	if !ok {
		return
	}
	rec.state = state
	rec.result = result
	rec.branch = branch
	rec.prURL = prURL
}

func (b *LocalBackend) CancelRun(ctx context.Context, externalRunID string) error {
	b.mu.Lock()
	rec, ok := b.runs[externalRunID]
	b.mu.Unlock()
	if !ok {
		// Unknown run (e.g. across a restart): nothing to cancel locally,
		// treated as a best-effort no-op per spec.md §7's cancel semantics.
		return nil
	}
	rec.cancel()
	return nil
}

func (b *LocalBackend) Poll(ctx context.Context, externalRunID string) (PollResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.runs[externalRunID]
	if !ok {
		return PollResult{
			State:  RunFailed,
			Result: fmt.Sprintf("run %s is unknown to this compute backend instance (lost across restart)", externalRunID),
		}, nil
	}
	return PollResult{State: rec.state, Result: rec.result, Branch: rec.branch, PRURL: rec.prURL}, nil
}
