package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/compute"
	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

const testRepo = "local/repo"

// stubClassifier returns a fixed Classification regardless of input.
type stubClassifier struct {
	result classifier.Classification
}

func (c stubClassifier) Classify(ctx context.Context, issue classifier.IssueView) classifier.Classification {
	return c.result
}

func newTestOrchestrator(t *testing.T, runFn compute.RunFunc, cl Classifier) (*Orchestrator, *tracker.FilesystemClient, *store.PostgresStore, *eventbus.Bus) {
	t.Helper()
	s := store.NewTestStore(t)
	bus := eventbus.New(100)
	client, err := tracker.NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	backend := compute.NewLocalBackend(4, runFn)
	budget := NewBudgetManager(s, 5, 100000, 10)

	orch := New(Deps{
		Store:              s,
		Bus:                bus,
		Tracker:            client,
		Compute:            backend,
		Classifier:         cl,
		Budget:             budget,
		Repo:               testRepo,
		MaxRetriesPerIssue: 2,
		MaxCIFixRetries:    2,
		ExecutionTimeout:   time.Hour,
	})
	orch.Subscribe(bus)
	bus.Start(context.Background())
	t.Cleanup(bus.Stop)
	return orch, client, s, bus
}

func waitForExecution(t *testing.T, s *store.PostgresStore, issueID string, want store.ExecutionStatus) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := s.GetExecutionForIssue(context.Background(), issueID)
		if err == nil && exec.Status == want {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution for %s never reached %s", issueID, want)
	return nil
}

// drivePollUntil repeatedly ticks a Poller — standing in for the
// background goroutine main() starts — until the issue's execution
// reaches want or the deadline passes.
func drivePollUntil(t *testing.T, orch *Orchestrator, s *store.PostgresStore, issueID string, want store.ExecutionStatus) *store.Execution {
	t.Helper()
	poller := NewPoller(orch, time.Millisecond)
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		poller.pollOnce(ctx)
		exec, err := s.GetExecutionForIssue(ctx, issueID)
		if err == nil && exec.Status == want {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution for %s never reached %s", issueID, want)
	return nil
}

func TestLaunchClaimsThenSubmitsToCompute(t *testing.T) {
	orch, _, s, _ := newTestOrchestrator(t, func(ctx context.Context, cfg compute.LaunchConfig) (string, string, string, error) {
		return "ok", "agent/42", "", nil
	}, stubClassifier{})

	require.NoError(t, orch.launch(context.Background(), launchParams{
		issueNumber: 42,
		mode:        store.ModeImplement,
		prompt:      "do it",
	}))

	exec := drivePollUntil(t, orch, s, issueIDFor(testRepo, 42), store.StatusCompleted)
	require.Equal(t, "ok", *exec.Result)
}

func TestLaunchComputeFailureMarksExecutionFailedNotPending(t *testing.T) {
	orch, _, s, _ := newTestOrchestrator(t, nil, stubClassifier{})
	// Force a compute-backend rejection by replacing Compute with a backend
	// whose LaunchAgent always errors.
	orch.deps.Compute = failingBackend{}

	err := orch.launch(context.Background(), launchParams{
		issueNumber: 7,
		mode:        store.ModeImplement,
		prompt:      "do it",
	})
	require.Error(t, err)

	exec, err := s.GetExecutionForIssue(context.Background(), issueIDFor(testRepo, 7))
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, exec.Status)
}

type failingBackend struct{}

func (failingBackend) LaunchAgent(ctx context.Context, cfg compute.LaunchConfig) (string, error) {
	return "", errors.New("compute backend unavailable")
}
func (failingBackend) CancelRun(ctx context.Context, externalRunID string) error { return nil }
func (failingBackend) Poll(ctx context.Context, externalRunID string) (compute.PollResult, error) {
	return compute.PollResult{}, nil
}

func TestLaunchDoesNotDoubleLaunchActiveIssue(t *testing.T) {
	launches := 0
	orch, _, s, _ := newTestOrchestrator(t, func(ctx context.Context, cfg compute.LaunchConfig) (string, string, string, error) {
		launches++
		<-ctx.Done() // stay "running" so the second launch sees an active execution
		return "", "", "", ctx.Err()
	}, stubClassifier{})

	params := launchParams{issueNumber: 9, mode: store.ModeImplement, prompt: "work"}
	require.NoError(t, orch.launch(context.Background(), params))
	waitForExecution(t, s, issueIDFor(testRepo, 9), store.StatusRunning)

	require.NoError(t, orch.launch(context.Background(), params))
	require.Equal(t, 1, launches)
}

func TestClassifyAndActSimpleLaunchesImplement(t *testing.T) {
	orch, client, s, _ := newTestOrchestrator(t, func(ctx context.Context, cfg compute.LaunchConfig) (string, string, string, error) {
		return "done", "agent/simple", "", nil
	}, stubClassifier{result: classifier.Classification{Category: classifier.CategorySimple, Reason: "small"}})

	issue, err := client.CreateIssue(context.Background(), testRepo, "Simple bug", "one-liner fix", []string{"ag/todo"})
	require.NoError(t, err)

	require.NoError(t, orch.classifyAndAct(context.Background(), issue.Number))

	drivePollUntil(t, orch, s, issueIDFor(testRepo, issue.Number), store.StatusCompleted)

	state, err := s.GetIssueState(context.Background(), issue.Number, testRepo)
	require.NoError(t, err)
	require.NotNil(t, state.Classification)
	require.Equal(t, store.Classification(classifier.CategorySimple), *state.Classification)
}

func TestClassifyAndActBlockedPostsClarifyingComment(t *testing.T) {
	orch, client, _, _ := newTestOrchestrator(t, nil, stubClassifier{result: classifier.Classification{
		Category:         classifier.CategoryBlocked,
		BlockingQuestion: "Which database should this target?",
	}})

	issue, err := client.CreateIssue(context.Background(), testRepo, "Ambiguous work", "needs clarification", []string{"ag/todo"})
	require.NoError(t, err)

	require.NoError(t, orch.classifyAndAct(context.Background(), issue.Number))

	got, err := client.GetIssue(context.Background(), testRepo, issueIDPath(issue.Number))
	require.NoError(t, err)
	require.Contains(t, got.Labels, "ag/blocked")
	require.Len(t, got.Comments, 1)
	require.Contains(t, got.Comments[0].Body, "Which database should this target?")
}

func TestClassifyAndActSkipAddsSkippedLabel(t *testing.T) {
	orch, client, _, _ := newTestOrchestrator(t, nil, stubClassifier{result: classifier.Classification{
		Category: classifier.CategorySkip,
		Reason:   "requires design judgment",
	}})

	issue, err := client.CreateIssue(context.Background(), testRepo, "Redesign the homepage", "", []string{"ag/todo"})
	require.NoError(t, err)

	require.NoError(t, orch.classifyAndAct(context.Background(), issue.Number))

	got, err := client.GetIssue(context.Background(), testRepo, issueIDPath(issue.Number))
	require.NoError(t, err)
	require.Contains(t, got.Labels, "ag/skipped")
}
