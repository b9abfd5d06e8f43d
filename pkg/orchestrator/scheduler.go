package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Subscribe wires every handler in spec.md §4.4's event→action table onto
// the bus. Each handler is independent and best-effort: a returned error is
// logged by the bus itself and never blocks sibling handlers.
func (o *Orchestrator) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.IssueCreated, o.onIssueCreatedOrUpdated)
	bus.Subscribe(eventbus.IssueUpdated, o.onIssueCreatedOrUpdated)
	bus.Subscribe(eventbus.IssueComment, o.onIssueComment)
	bus.Subscribe(eventbus.NudgeRequested, o.onNudgeRequested)
	bus.Subscribe(eventbus.PRReview, o.onPRReview)
	bus.Subscribe(eventbus.PRClosed, o.onPRClosed)
	bus.Subscribe(eventbus.CheckRunFailed, o.onCheckRunFailed)
	bus.Subscribe(eventbus.AgentCompleted, o.onAgentCompleted)
	bus.Subscribe(eventbus.AgentFailed, o.onAgentFailed)
}

func (o *Orchestrator) onIssueCreatedOrUpdated(ctx context.Context, event eventbus.Event) error {
	repo := payloadString(event.Payload, "repo")
	issueNumber := payloadInt(event.Payload, "issue_number")
	if repo == "" || issueNumber == 0 {
		return nil
	}

	issue, err := o.deps.Tracker.GetIssue(ctx, repo, issueIDPath(issueNumber))
	if err != nil {
		return fmt.Errorf("orchestrator: issue event: fetch issue: %w", err)
	}
	if !tracker.HasTriggerLabel(issue.Labels) || tracker.HasHandledLabel(issue.Labels) {
		return nil
	}

	ok, reason, err := o.deps.Budget.CanLaunch(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: issue event: budget check: %w", err)
	}
	if !ok {
		slog.Info("issue event: deferred, budget exhausted", "issue_number", issueNumber, "reason", reason)
		return nil
	}
	return o.classifyAndAct(ctx, issueNumber)
}

func (o *Orchestrator) onIssueComment(ctx context.Context, event eventbus.Event) error {
	repo := payloadString(event.Payload, "repo")
	issueNumber := payloadInt(event.Payload, "issue_number")
	if repo == "" || issueNumber == 0 {
		return nil
	}

	issue, err := o.deps.Tracker.GetIssue(ctx, repo, issueIDPath(issueNumber))
	if err != nil {
		return fmt.Errorf("orchestrator: issue comment: fetch issue: %w", err)
	}
	if !hasLabel(issue.Labels, "ag/blocked") {
		return nil
	}
	clarification, ok := findClarification(issue)
	if !ok {
		return nil
	}
	return o.launchUnblocked(ctx, issue, clarification)
}

func (o *Orchestrator) onNudgeRequested(ctx context.Context, event eventbus.Event) error {
	repo := payloadString(event.Payload, "repo")
	issueNumber := payloadInt(event.Payload, "issue_number")
	if repo == "" || issueNumber == 0 {
		return nil
	}
	return o.launchFromNudge(ctx, issueIDFor(repo, issueNumber))
}

func (o *Orchestrator) onPRReview(ctx context.Context, event eventbus.Event) error {
	repo := payloadString(event.Payload, "repo")
	branch := payloadString(event.Payload, "branch")
	state := payloadString(event.Payload, "state")
	body := payloadString(event.Payload, "body")
	prNumber := payloadInt(event.Payload, "pr_number")

	if state != "changes_requested" && state != "commented" {
		return nil
	}
	issueNumber, ok := tracker.IssueNumberFromBranch(branch)
	if !ok {
		return nil
	}

	issue, err := o.deps.Tracker.GetIssue(ctx, repo, issueIDPath(issueNumber))
	if err != nil {
		return fmt.Errorf("orchestrator: pr review: fetch issue: %w", err)
	}
	view := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}

	return o.launch(ctx, launchParams{
		issueNumber: issueNumber,
		mode:        store.ModeAddressReview,
		prompt:      classifier.BuildAddressReviewPrompt(view, repo, prNumber, body),
	})
}

func (o *Orchestrator) onPRClosed(ctx context.Context, event eventbus.Event) error {
	repo := payloadString(event.Payload, "repo")
	branch := payloadString(event.Payload, "branch")
	merged := payloadBool(event.Payload, "merged")

	issueNumber, ok := tracker.IssueNumberFromBranch(branch)
	if !ok {
		return nil
	}
	issueID := issueIDPath(issueNumber)

	if merged {
		if err := o.labels.TransitionTo(ctx, repo, issueID, "ag/done"); err != nil {
			return fmt.Errorf("orchestrator: pr closed: transition ag/done: %w", err)
		}
		return o.deps.Tracker.UpdateIssueStatus(ctx, repo, issueID, "closed")
	}

	return o.retryOrFail(ctx, repo, issueNumber)
}

func (o *Orchestrator) retryOrFail(ctx context.Context, repo string, issueNumber int) error {
	issueID := issueIDPath(issueNumber)
	state, err := o.deps.Store.GetIssueState(ctx, issueNumber, repo)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("orchestrator: retry or fail: get issue state: %w", err)
	}
	retryCount := 0
	if state != nil {
		retryCount = state.RetryCount
	}

	if retryCount >= o.deps.MaxRetriesPerIssue {
		if err := o.labels.TransitionTo(ctx, repo, issueID, "ag/failed"); err != nil {
			slog.Error("retry or fail: transition ag/failed", "issue_number", issueNumber, "error", err)
		}
		return o.deps.Tracker.AddComment(ctx, repo, issueID,
			"This issue has exceeded its retry budget and needs human help to proceed.")
	}

	retryCount++
	if err := o.deps.Store.UpsertIssueState(ctx, store.UpsertIssueStateParams{
		IssueNumber: issueNumber,
		Repo:        repo,
		RetryCount:  retryCount,
	}); err != nil {
		slog.Error("retry or fail: persist retry count", "issue_number", issueNumber, "error", err)
	}

	issue, err := o.deps.Tracker.GetIssue(ctx, repo, issueID)
	if err != nil {
		return fmt.Errorf("orchestrator: retry or fail: fetch issue: %w", err)
	}
	priorContext := ""
	if cp, err := o.deps.Store.GetLatestCheckpoint(ctx, issueIDFor(repo, issueNumber)); err == nil && cp != nil {
		priorContext = cp.ContextSummary + "\n" + cp.DecisionsMade
	}
	view := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}

	return o.launch(ctx, launchParams{
		issueNumber: issueNumber,
		mode:        store.ModeRetryWithFeedback,
		prompt:      classifier.BuildRetryPrompt(view, repo, priorContext),
	})
}

func (o *Orchestrator) onCheckRunFailed(ctx context.Context, event eventbus.Event) error {
	repo := payloadString(event.Payload, "repo")
	branch := payloadString(event.Payload, "branch")
	headSHA := payloadString(event.Payload, "head_sha")
	prNumber := payloadInt(event.Payload, "pr_number")

	issueNumber, ok := tracker.IssueNumberFromBranch(branch)
	if !ok {
		return nil
	}
	issueID := issueIDPath(issueNumber)

	state, err := o.deps.Store.GetIssueState(ctx, issueNumber, repo)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("orchestrator: check run failed: get issue state: %w", err)
	}
	if state != nil && state.MetaString("last_ci_check_sha") == headSHA {
		return nil // already handled this SHA
	}
	ciFixCount := 0
	if state != nil {
		ciFixCount = state.MetaInt("ci_fix_count")
	}

	if ciFixCount >= o.deps.MaxCIFixRetries {
		if err := o.labels.TransitionTo(ctx, repo, issueID, "ag/failed"); err != nil {
			slog.Error("check run failed: transition ag/failed", "issue_number", issueNumber, "error", err)
		}
		return o.deps.Tracker.AddComment(ctx, repo, issueID,
			"CI has failed repeatedly and the automated fix budget is exhausted. Needs human attention.")
	}

	ciFixCount++
	if err := o.deps.Store.UpsertIssueState(ctx, store.UpsertIssueStateParams{
		IssueNumber: issueNumber,
		Repo:        repo,
		RetryCount:  orchestratorRetryCount(state),
		Metadata: map[string]interface{}{
			"last_ci_check_sha": headSHA,
			"ci_fix_count":      ciFixCount,
		},
	}); err != nil {
		slog.Error("check run failed: persist ci fix count", "issue_number", issueNumber, "error", err)
	}

	issue, err := o.deps.Tracker.GetIssue(ctx, repo, issueID)
	if err != nil {
		return fmt.Errorf("orchestrator: check run failed: fetch issue: %w", err)
	}
	view := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}

	return o.launch(ctx, launchParams{
		issueNumber: issueNumber,
		mode:        store.ModeFixCI,
		prompt:      classifier.BuildFixCIPrompt(view, repo, prNumber),
	})
}

func orchestratorRetryCount(state *store.IssueState) int {
	if state == nil {
		return 0
	}
	return state.RetryCount
}

func (o *Orchestrator) onAgentCompleted(ctx context.Context, event eventbus.Event) error {
	executionID := payloadString(event.Payload, "execution_id")
	result := payloadString(event.Payload, "result")
	branch := payloadString(event.Payload, "branch")
	prURL := payloadString(event.Payload, "pr_url")

	exec, issueID, err := o.finalizeExecution(ctx, executionID, store.StatusCompleted, result, branch)
	if err != nil {
		return err
	}
	if err := o.labels.TransitionTo(ctx, exec.RepoURL, repoLocalIssueID(issueID), "ag/review-pending"); err != nil {
		slog.Error("agent completed: transition label", "issue_id", issueID, "error", err)
	}
	slog.Info("agent completed", "execution_id", executionID, "issue_id", issueID, "pr_url", prURL)
	o.processPendingNudges(ctx, issueID)
	return nil
}

func (o *Orchestrator) onAgentFailed(ctx context.Context, event eventbus.Event) error {
	executionID := payloadString(event.Payload, "execution_id")
	result := payloadString(event.Payload, "result")

	exec, issueID, err := o.finalizeExecution(ctx, executionID, store.StatusFailed, result, "")
	if err != nil {
		return err
	}
	if err := o.labels.TransitionTo(ctx, exec.RepoURL, repoLocalIssueID(issueID), "ag/failed"); err != nil {
		slog.Error("agent failed: transition label", "issue_id", issueID, "error", err)
	}
	o.processPendingNudges(ctx, issueID)
	return nil
}

func (o *Orchestrator) finalizeExecution(ctx context.Context, executionIDStr string, status store.ExecutionStatus, result, branch string) (*store.Execution, string, error) {
	executionID, err := parseUUID(executionIDStr)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: finalize execution: %w", err)
	}
	exec, err := o.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: finalize execution: get execution: %w", err)
	}

	var branchPtr *string
	if branch != "" {
		branchPtr = &branch
	}
	var resultPtr *string
	if result != "" {
		resultPtr = &result
	}
	if err := o.deps.Store.UpdateExecutionResult(ctx, executionID, status, resultPtr, exec.PRNumber, branchPtr, exec.Checkpoint); err != nil {
		return nil, "", fmt.Errorf("orchestrator: finalize execution: update result: %w", err)
	}
	return exec, exec.IssueID, nil
}

// repoLocalIssueID strips the repo prefix off a store-composite issue id
// ("org/repo#42") to get the tracker-facing identifier ("42").
func repoLocalIssueID(storeIssueID string) string {
	_, n, err := parseIssueID(storeIssueID)
	if err != nil {
		return storeIssueID
	}
	return issueIDPath(n)
}
