package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// ControlLoop runs the seven-phase periodic reconciliation pass (spec.md
// §4.5) on a ticker, independent of the event-driven scheduler. It is the
// self-healing backstop for missed or dropped webhook events.
type ControlLoop struct {
	orch     *Orchestrator
	interval time.Duration
}

// NewControlLoop constructs a ControlLoop bound to orch, firing every
// interval (config.ManagementLoopInterval()).
func NewControlLoop(orch *Orchestrator, interval time.Duration) *ControlLoop {
	return &ControlLoop{orch: orch, interval: interval}
}

// Run blocks, executing one cycle immediately and then on every tick, until
// ctx is cancelled.
func (l *ControlLoop) Run(ctx context.Context) {
	l.runCycle(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runCycle(ctx)
		}
	}
}

// runCycle executes the seven phases in order. Each phase is best-effort:
// an error is logged and the cycle proceeds to the next phase regardless.
func (l *ControlLoop) runCycle(ctx context.Context) {
	o := l.orch
	slog.Info("control loop: cycle starting")

	candidates, err := Scan(ctx, o.deps.Tracker, o.deps.Repo)
	if err != nil {
		slog.Error("control loop: scan phase", "error", err)
	} else if err := l.classifyUntilBudgetExhausted(ctx, candidates); err != nil {
		slog.Error("control loop: classify phase", "error", err)
	}

	if err := l.timeoutSweep(ctx); err != nil {
		slog.Error("control loop: timeout sweep", "error", err)
	}
	if err := l.prReviewSweep(ctx); err != nil {
		slog.Error("control loop: pr review sweep", "error", err)
	}
	if err := l.closedPRSweep(ctx); err != nil {
		slog.Error("control loop: closed pr sweep", "error", err)
	}
	if err := l.unblockedSweep(ctx); err != nil {
		slog.Error("control loop: unblocked sweep", "error", err)
	}
	if err := o.dependencySweep(ctx); err != nil {
		slog.Error("control loop: dependency sweep", "error", err)
	}

	slog.Info("control loop: cycle complete")
}

func (l *ControlLoop) classifyUntilBudgetExhausted(ctx context.Context, candidates []*tracker.Issue) error {
	o := l.orch
	for _, issue := range candidates {
		ok, reason, err := o.deps.Budget.CanLaunch(ctx)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if !ok {
			slog.Info("control loop: budget exhausted, stopping classify phase", "reason", reason)
			return nil
		}
		if err := o.classifyAndAct(ctx, issue.Number); err != nil {
			slog.Error("control loop: classify and act", "issue_number", issue.Number, "error", err)
		}
	}
	return nil
}

func (l *ControlLoop) timeoutSweep(ctx context.Context) error {
	o := l.orch
	for _, status := range []store.ExecutionStatus{store.StatusPending, store.StatusRunning} {
		status := status
		executions, err := o.deps.Store.ListExecutions(ctx, store.ExecutionFilters{Status: &status})
		if err != nil {
			return fmt.Errorf("list %s executions: %w", status, err)
		}
		for _, exec := range executions {
			reference := exec.CreatedAt
			if exec.StartedAt != nil {
				reference = *exec.StartedAt
			}
			if time.Since(reference) <= o.deps.ExecutionTimeout {
				continue
			}
			timedOut := "Timed out"
			if err := o.deps.Store.UpdateExecutionResult(ctx, exec.ID, store.StatusFailed, &timedOut, exec.PRNumber, exec.Branch, exec.Checkpoint); err != nil {
				slog.Error("control loop: timeout sweep: mark failed", "execution_id", exec.ID, "error", err)
				continue
			}
			if err := o.labels.TransitionTo(ctx, o.deps.Repo, repoLocalIssueID(exec.IssueID), "ag/failed"); err != nil {
				slog.Error("control loop: timeout sweep: transition label", "issue_id", exec.IssueID, "error", err)
			}
		}
	}
	return nil
}

func (l *ControlLoop) prSource() (tracker.PRSource, bool) {
	return l.orch.deps.Tracker.PRSource()
}

func (l *ControlLoop) prReviewSweep(ctx context.Context) error {
	prSource, ok := l.prSource()
	if !ok {
		return nil
	}
	o := l.orch

	cursor, err := l.cursorTime(ctx, "last_pr_check")
	if err != nil {
		return err
	}

	prs, err := prSource.ListOpenPullRequests(ctx, o.deps.Repo)
	if err != nil {
		return fmt.Errorf("list open pull requests: %w", err)
	}

	latest := cursor
	for _, pr := range prs {
		if !tracker.IsAgentBranch(pr.Branch) {
			continue
		}
		reviews, err := prSource.ListReviews(ctx, o.deps.Repo, pr.Number)
		if err != nil {
			slog.Error("control loop: pr review sweep: list reviews", "pr_number", pr.Number, "error", err)
			continue
		}
		for _, review := range reviews {
			submittedAt, err := time.Parse(time.RFC3339, review.SubmittedAt)
			if err != nil || !submittedAt.After(cursor) {
				continue
			}
			state := normalizeReviewState(review.State)
			if state != "changes_requested" && state != "commented" {
				continue
			}
			if review.Body == "" {
				continue
			}
			issueNumber, ok := tracker.IssueNumberFromBranch(pr.Branch)
			if !ok {
				continue
			}
			issue, err := o.deps.Tracker.GetIssue(ctx, o.deps.Repo, issueIDPath(issueNumber))
			if err != nil {
				slog.Error("control loop: pr review sweep: fetch issue", "issue_number", issueNumber, "error", err)
				continue
			}
			view := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}
			if err := o.launch(ctx, launchParams{
				issueNumber: issueNumber,
				mode:        store.ModeAddressReview,
				prompt:      classifier.BuildAddressReviewPrompt(view, o.deps.Repo, pr.Number, review.Body),
			}); err != nil {
				slog.Error("control loop: pr review sweep: launch", "issue_number", issueNumber, "error", err)
			}
			if submittedAt.After(latest) {
				latest = submittedAt
			}
		}
	}

	return l.setCursorTime(ctx, "last_pr_check", latest)
}

func (l *ControlLoop) closedPRSweep(ctx context.Context) error {
	prSource, ok := l.prSource()
	if !ok {
		return nil
	}
	o := l.orch

	cursor, err := l.cursorTime(ctx, "last_closed_pr_check")
	if err != nil {
		return err
	}

	prs, err := prSource.ListClosedPullRequests(ctx, o.deps.Repo, cursor.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("list closed pull requests: %w", err)
	}

	latest := cursor
	for _, pr := range prs {
		if pr.Merged || !tracker.IsAgentBranch(pr.Branch) {
			continue
		}
		comments, err := prSource.ListReviewComments(ctx, o.deps.Repo, pr.Number)
		if err != nil {
			slog.Error("control loop: closed pr sweep: list comments", "pr_number", pr.Number, "error", err)
			continue
		}
		hasHumanComment := false
		for _, c := range comments {
			createdAt, err := time.Parse(time.RFC3339, c.CreatedAt)
			if err != nil || !createdAt.After(cursor) {
				continue
			}
			if isHumanReply(c) {
				hasHumanComment = true
				if createdAt.After(latest) {
					latest = createdAt
				}
			}
		}
		if !hasHumanComment {
			continue
		}
		issueNumber, ok := tracker.IssueNumberFromBranch(pr.Branch)
		if !ok {
			continue
		}
		if err := o.retryOrFail(ctx, o.deps.Repo, issueNumber); err != nil {
			slog.Error("control loop: closed pr sweep: retry or fail", "issue_number", issueNumber, "error", err)
		}
	}

	return l.setCursorTime(ctx, "last_closed_pr_check", latest)
}

func (l *ControlLoop) unblockedSweep(ctx context.Context) error {
	o := l.orch
	blocked, err := o.deps.Tracker.ListIssues(ctx, o.deps.Repo, "open", []string{"ag/blocked"})
	if err != nil {
		return fmt.Errorf("list blocked issues: %w", err)
	}
	for _, issue := range blocked {
		clarification, ok := findClarification(issue)
		if !ok {
			continue
		}
		if err := o.launchUnblocked(ctx, issue, clarification); err != nil {
			slog.Error("control loop: unblocked sweep: launch", "issue_number", issue.Number, "error", err)
		}
	}
	return nil
}

func normalizeReviewState(s string) string {
	switch s {
	case "CHANGES_REQUESTED":
		return "changes_requested"
	case "COMMENTED":
		return "commented"
	case "APPROVED":
		return "approved"
	default:
		return s
	}
}

func (l *ControlLoop) cursorTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := l.orch.deps.Store.GetCronState(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get cron state %s: %w", key, err)
	}
	if raw == nil {
		return time.Time{}, nil
	}
	var cursor struct {
		Time time.Time `json:"time"`
	}
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal cron state %s: %w", key, err)
	}
	return cursor.Time, nil
}

func (l *ControlLoop) setCursorTime(ctx context.Context, key string, t time.Time) error {
	raw, err := json.Marshal(struct {
		Time time.Time `json:"time"`
	}{Time: t})
	if err != nil {
		return fmt.Errorf("marshal cron state %s: %w", key, err)
	}
	if err := l.orch.deps.Store.SetCronState(ctx, key, raw); err != nil {
		return fmt.Errorf("set cron state %s: %w", key, err)
	}
	return nil
}
