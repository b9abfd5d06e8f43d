// Package orchestrator wires the tracker, compute backend, classifier, and
// store together: the launch subroutine, the classify-and-act subroutine,
// the event-driven scheduler, and the periodic control loop (spec.md §4.4,
// §4.5). Every dependency is passed in explicitly through Deps rather than
// reached through package-level singletons.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/compute"
	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// Classifier is the narrow capability classifyAndAct needs from
// classifier.Classifier — kept as an interface so tests can stub the
// Anthropic call out.
type Classifier interface {
	Classify(ctx context.Context, issue classifier.IssueView) classifier.Classification
}

// Deps is the full set of collaborators the orchestrator needs. Every field
// is an interface or a concrete struct constructed by main(), never a
// package-level default.
type Deps struct {
	Store      *store.PostgresStore
	Bus        *eventbus.Bus
	Tracker    tracker.Client
	Compute    compute.Backend
	Classifier Classifier
	Budget     *BudgetManager

	Repo               string
	MaxRetriesPerIssue int
	MaxCIFixRetries    int
	ExecutionTimeout   time.Duration
}

// Orchestrator is the behavioral core shared by the scheduler and the
// control loop.
type Orchestrator struct {
	deps   Deps
	labels *tracker.LabelManager
}

// New constructs an Orchestrator bound to deps.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		labels: tracker.NewLabelManager(deps.Tracker),
	}
}

// launchParams describes a single launch subroutine invocation.
type launchParams struct {
	issueNumber int
	mode        store.ExecutionMode
	prompt      string
	checkpoint  *store.Checkpoint
}

// launch runs the six-step launch subroutine of spec.md §4.4, in the order
// the spec mandates: claiming the issue in the store strictly precedes
// submission to the compute backend, so a compute-backend failure after a
// successful claim always resolves to a failed execution rather than an
// abandoned pending one.
func (o *Orchestrator) launch(ctx context.Context, p launchParams) error {
	issueID := issueIDFor(o.deps.Repo, p.issueNumber)

	// Step 1: an active execution already owns this issue, nothing to do.
	existing, err := o.deps.Store.GetExecutionForIssue(ctx, issueID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("orchestrator: launch: check existing execution: %w", err)
	}
	if existing != nil && (existing.Status == store.StatusPending || existing.Status == store.StatusRunning) {
		slog.Info("launch: issue already has an active execution", "issue_id", issueID)
		return nil
	}

	// Step 2: construct a fresh pending execution record.
	now := time.Now().UTC()
	execution := &store.Execution{
		ID:         uuid.New(),
		IssueID:    issueID,
		RepoURL:    o.deps.Repo,
		Status:     store.StatusPending,
		Mode:       p.mode,
		Prompt:     p.prompt,
		Checkpoint: p.checkpoint,
		CreatedAt:  now,
	}

	// Step 3: claim the issue. Losing the race is not an error — another
	// caller (or a concurrent retry of this same call) already owns it.
	claimed, err := o.deps.Store.TryClaimIssue(ctx, execution)
	if err != nil {
		return fmt.Errorf("orchestrator: launch: claim issue: %w", err)
	}
	if !claimed {
		slog.Info("launch: lost claim race", "issue_id", issueID)
		return nil
	}

	// Step 4: submit to the compute backend. A submission failure after a
	// successful claim must mark the execution failed, never leave it
	// pending — an abandoned pending row would permanently block the
	// issue behind the claim's uniqueness guarantee.
	runID, err := o.deps.Compute.LaunchAgent(ctx, compute.LaunchConfig{
		ExecutionID: execution.ID.String(),
		RepoURL:     o.deps.Repo,
		Prompt:      p.prompt,
		Mode:        string(p.mode),
		IssueNumber: p.issueNumber,
	})
	if err != nil {
		failMsg := fmt.Sprintf("compute backend rejected launch: %v", err)
		if uerr := o.deps.Store.UpdateExecutionResult(ctx, execution.ID, store.StatusFailed, &failMsg, nil, nil, nil); uerr != nil {
			slog.Error("launch: failed to record compute rejection", "execution_id", execution.ID, "error", uerr)
		}
		return fmt.Errorf("orchestrator: launch: submit to compute backend: %w", err)
	}

	// Step 5: persist the external run handle so restart recovery can
	// resume polling it.
	if err := o.deps.Store.SetExternalRunID(ctx, execution.ID, runID); err != nil {
		return fmt.Errorf("orchestrator: launch: set external run id: %w", err)
	}

	started := now
	execution.StartedAt = &started
	execution.Status = store.StatusRunning
	execution.ExternalRunID = &runID
	if err := o.deps.Store.UpdateExecution(ctx, execution); err != nil {
		slog.Error("launch: failed to mark execution running", "execution_id", execution.ID, "error", err)
	}

	// Step 6: publish AGENT_STARTED for anyone downstream (dashboards,
	// notifications) listening on the bus.
	o.deps.Bus.Publish(eventbus.AgentStarted, map[string]interface{}{
		"execution_id": execution.ID.String(),
		"issue_id":     issueID,
		"mode":         string(p.mode),
	})

	if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueIDPath(p.issueNumber), "ag/in-progress"); err != nil {
		slog.Error("launch: failed to transition label", "issue_id", issueID, "error", err)
	}

	slog.Info("launch: started execution", "issue_id", issueID, "execution_id", execution.ID, "mode", p.mode)
	return nil
}

// classifyAndAct runs the classify-then-dispatch subroutine of spec.md
// §4.6: fetch the issue, classify it with the Classifier, persist the
// verdict, and act on it (launch implement/plan, label blocked, or skip).
// Callers are responsible for the budget gate before invoking this: the
// control loop's classify phase checks it before each candidate, and the
// issue created/updated handler checks it before its call.
func (o *Orchestrator) classifyAndAct(ctx context.Context, issueNumber int) error {
	issueID := issueIDPath(issueNumber)
	issue, err := o.deps.Tracker.GetIssue(ctx, o.deps.Repo, issueID)
	if err != nil {
		return fmt.Errorf("orchestrator: classify: fetch issue: %w", err)
	}

	result := o.deps.Classifier.Classify(ctx, classifier.IssueView{
		Number: issue.Number,
		Title:  issue.Title,
		Body:   issue.Body,
		Labels: issue.Labels,
	})

	classification := store.Classification(result.Category)
	if err := o.deps.Store.UpsertIssueState(ctx, store.UpsertIssueStateParams{
		IssueNumber:    issueNumber,
		Repo:           o.deps.Repo,
		Classification: &classification,
		Metadata: map[string]interface{}{
			"classification_reason": result.Reason,
			"estimated_complexity":  result.EstimatedComplexity,
		},
	}); err != nil {
		slog.Error("classify: failed to persist classification", "issue_id", issueID, "error", err)
	}

	issueView := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}

	switch result.Category {
	case classifier.CategorySimple:
		if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueID, "ag/in-progress"); err != nil {
			slog.Error("classify: label transition failed", "issue_id", issueID, "error", err)
		}
		return o.launch(ctx, launchParams{
			issueNumber: issueNumber,
			mode:        store.ModeImplement,
			prompt:      classifier.BuildImplementPrompt(issueView, o.deps.Repo),
		})

	case classifier.CategoryComplex:
		if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueID, "ag/planning"); err != nil {
			slog.Error("classify: label transition failed", "issue_id", issueID, "error", err)
		}
		return o.launch(ctx, launchParams{
			issueNumber: issueNumber,
			mode:        store.ModePlan,
			prompt:      classifier.BuildPlanPrompt(issueView, o.deps.Repo),
		})

	case classifier.CategoryBlocked:
		if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueID, "ag/blocked"); err != nil {
			slog.Error("classify: label transition failed", "issue_id", issueID, "error", err)
		}
		question := result.BlockingQuestion
		if question == "" {
			question = "Please clarify the requirements for this issue."
		}
		body, err := tracker.EmbedMetadata(question, map[string]interface{}{"type": "blocked"})
		if err != nil {
			return fmt.Errorf("orchestrator: classify: embed blocking metadata: %w", err)
		}
		if err := o.deps.Tracker.AddComment(ctx, o.deps.Repo, issueID, body); err != nil {
			return fmt.Errorf("orchestrator: classify: post blocking question: %w", err)
		}
		return nil

	case classifier.CategorySkip:
		if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueID, "ag/skipped"); err != nil {
			slog.Error("classify: label transition failed", "issue_id", issueID, "error", err)
		}
		if err := o.deps.Tracker.AddComment(ctx, o.deps.Repo, issueID, fmt.Sprintf("Skipping automated work on this issue: %s", result.Reason)); err != nil {
			slog.Error("classify: failed to post skip comment", "issue_id", issueID, "error", err)
		}
		return nil

	default:
		return fmt.Errorf("orchestrator: classify: unknown category %q", result.Category)
	}
}

func issueIDFor(repo string, issueNumber int) string {
	return fmt.Sprintf("%s#%d", repo, issueNumber)
}

// parseIssueID reverses issueIDFor.
func parseIssueID(issueID string) (repo string, issueNumber int, err error) {
	idx := strings.LastIndex(issueID, "#")
	if idx < 0 {
		return "", 0, fmt.Errorf("orchestrator: malformed issue id %q", issueID)
	}
	n, err := strconv.Atoi(issueID[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("orchestrator: malformed issue id %q: %w", issueID, err)
	}
	return issueID[:idx], n, nil
}

// issueIDPath is the tracker-facing issue identifier, distinct from the
// store's composite issue_id key: adapters address issues by number alone
// within a repo.
func issueIDPath(issueNumber int) string {
	return fmt.Sprintf("%d", issueNumber)
}
