package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/compute"
	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/orchestrator"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

const testRepo = "local/repo"

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, issue classifier.IssueView) classifier.Classification {
	return classifier.Classification{Category: classifier.CategorySimple}
}

func newTestServer(t *testing.T) (*httptest.Server, *store.PostgresStore, *orchestrator.Orchestrator) {
	t.Helper()
	s := store.NewTestStore(t)
	bus := eventbus.New(100)
	client, err := tracker.NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	backend := compute.NewLocalBackend(2, func(ctx context.Context, cfg compute.LaunchConfig) (string, string, string, error) {
		return "ok", "", "", nil
	})
	budget := orchestrator.NewBudgetManager(s, 5, 100000, 10)
	orch := orchestrator.New(orchestrator.Deps{
		Store:              s,
		Bus:                bus,
		Tracker:            client,
		Compute:            backend,
		Classifier:         stubClassifier{},
		Budget:             budget,
		Repo:               testRepo,
		MaxRetriesPerIssue: 2,
		MaxCIFixRetries:    2,
		ExecutionTimeout:   time.Hour,
	})

	srv := NewServer(s, budget, orch, testRepo, nil)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return ts, s, orch
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthReportsDatabaseOK(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body HealthResponse
	resp := getJSON(t, ts.URL+"/health", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body.Status)
	require.Equal(t, "ok", body.Database)
	require.NotEmpty(t, body.Version)
}

func TestListExecutionsEmpty(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body []ExecutionResponse
	resp := getJSON(t, ts.URL+"/api/v1/executions", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
}

func TestGetExecutionNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/executions/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetExecutionInvalidID(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/executions/not-a-uuid")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndGetExecution(t *testing.T) {
	ts, s, _ := newTestServer(t)

	exec := &store.Execution{
		ID:        uuid.New(),
		IssueID:   "local/repo#1",
		RepoURL:   testRepo,
		Status:    store.StatusPending,
		Mode:      store.ModeImplement,
		Prompt:    "do it",
		CreatedAt: time.Now().UTC(),
	}
	claimed, err := s.TryClaimIssue(context.Background(), exec)
	require.NoError(t, err)
	require.True(t, claimed)

	var list []ExecutionResponse
	resp := getJSON(t, ts.URL+"/api/v1/executions", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	require.Equal(t, exec.ID.String(), list[0].ID)

	var single ExecutionResponse
	resp = getJSON(t, ts.URL+"/api/v1/executions/"+exec.ID.String(), &single)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(store.StatusPending), single.Status)
}

func TestGetIssueStateNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/issues/999")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetIssueStateInvalidNumber(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/issues/not-a-number")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBudgetStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body BudgetStatusResponse
	resp := getJSON(t, ts.URL+"/api/v1/budget", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, body.MaxConcurrent)
}

func TestNudgeUnknownIssueReturnsError(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/issues/123/nudge", "application/json", nil)
	require.NoError(t, err)
	// The filesystem tracker has no issue 123 to fetch; the nudge handler
	// surfaces that as an error rather than silently succeeding.
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestCancelExecutionNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/executions/00000000-0000-0000-0000-000000000000/cancel", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
