package compute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, b *LocalBackend, runID string, want RunState) PollResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := b.Poll(context.Background(), runID)
		require.NoError(t, err)
		if res.State == want {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached state %s", runID, want)
	return PollResult{}
}

func TestLocalBackendLaunchSucceeds(t *testing.T) {
	backend := NewLocalBackend(2, func(ctx context.Context, cfg LaunchConfig) (string, string, string, error) {
		return "done", "agent/" + cfg.RepoURL, "", nil
	})

	runID, err := backend.LaunchAgent(context.Background(), LaunchConfig{RepoURL: "42", Mode: "implement"})
	require.NoError(t, err)

	res := waitForState(t, backend, runID, RunSucceeded)
	require.Equal(t, "done", res.Result)
}

func TestLocalBackendLaunchFails(t *testing.T) {
	backend := NewLocalBackend(2, func(ctx context.Context, cfg LaunchConfig) (string, string, string, error) {
		return "", "", "", errors.New("boom")
	})

	runID, err := backend.LaunchAgent(context.Background(), LaunchConfig{})
	require.NoError(t, err)

	res := waitForState(t, backend, runID, RunFailed)
	require.Equal(t, "boom", res.Result)
}

func TestLocalBackendCancel(t *testing.T) {
	started := make(chan struct{})
	backend := NewLocalBackend(1, func(ctx context.Context, cfg LaunchConfig) (string, string, string, error) {
		close(started)
		<-ctx.Done()
		return "", "", "", ctx.Err()
	})

	runID, err := backend.LaunchAgent(context.Background(), LaunchConfig{})
	require.NoError(t, err)

	<-started
	require.NoError(t, backend.CancelRun(context.Background(), runID))

	waitForState(t, backend, runID, RunCancelled)
}

func TestLocalBackendPollUnknownRunReportsFailed(t *testing.T) {
	backend := NewLocalBackend(1, func(ctx context.Context, cfg LaunchConfig) (string, string, string, error) {
		return "", "", "", nil
	})
	res, err := backend.Poll(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Equal(t, RunFailed, res.State)
}

func TestLocalBackendCancelUnknownRunIsNoop(t *testing.T) {
	backend := NewLocalBackend(1, func(ctx context.Context, cfg LaunchConfig) (string, string, string, error) {
		return "", "", "", nil
	})
	require.NoError(t, backend.CancelRun(context.Background(), "nonexistent"))
}
