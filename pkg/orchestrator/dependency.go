package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// dependencySweep is the control loop's seventh phase: release ag/waiting
// issues whose blockers have all closed, and close ag/epic issues whose
// sub-issues have all resolved one way or another.
func (o *Orchestrator) dependencySweep(ctx context.Context) error {
	if err := o.releaseWaitingIssues(ctx); err != nil {
		return fmt.Errorf("orchestrator: dependency sweep: waiting: %w", err)
	}
	if err := o.closeResolvedEpics(ctx); err != nil {
		return fmt.Errorf("orchestrator: dependency sweep: epics: %w", err)
	}
	return nil
}

func (o *Orchestrator) releaseWaitingIssues(ctx context.Context) error {
	waiting, err := o.deps.Tracker.ListIssues(ctx, o.deps.Repo, "open", []string{"ag/waiting"})
	if err != nil {
		return fmt.Errorf("list waiting issues: %w", err)
	}

	for _, issue := range waiting {
		blockedBy := tracker.ParseBlockedBy(issue.Body)
		if len(blockedBy) == 0 {
			continue
		}
		if o.allClosed(ctx, blockedBy) {
			if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueIDPath(issue.Number), "ag/todo"); err != nil {
				slog.Error("dependency sweep: release waiting issue", "issue_number", issue.Number, "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) allClosed(ctx context.Context, issueNumbers []int) bool {
	for _, n := range issueNumbers {
		blocker, err := o.deps.Tracker.GetIssue(ctx, o.deps.Repo, issueIDPath(n))
		if err != nil {
			slog.Error("dependency sweep: fetch blocker", "issue_number", n, "error", err)
			return false
		}
		if blocker.State != "closed" {
			return false
		}
	}
	return true
}

func (o *Orchestrator) closeResolvedEpics(ctx context.Context) error {
	epics, err := o.deps.Tracker.ListIssues(ctx, o.deps.Repo, "open", []string{"ag/epic"})
	if err != nil {
		return fmt.Errorf("list epics: %w", err)
	}

	for _, epic := range epics {
		state, err := o.deps.Store.GetIssueState(ctx, epic.Number, o.deps.Repo)
		if err == store.ErrNotFound || state == nil || len(state.SubIssues) == 0 {
			continue
		}
		if err != nil {
			slog.Error("dependency sweep: get epic state", "issue_number", epic.Number, "error", err)
			continue
		}

		allResolved := true
		anyFailed := false
		for _, subNumber := range state.SubIssues {
			sub, err := o.deps.Tracker.GetIssue(ctx, o.deps.Repo, issueIDPath(subNumber))
			if err != nil {
				slog.Error("dependency sweep: fetch sub-issue", "issue_number", subNumber, "error", err)
				allResolved = false
				break
			}
			if hasLabel(sub.Labels, "ag/failed") {
				anyFailed = true
				continue
			}
			if sub.State != "closed" {
				allResolved = false
				break
			}
		}
		if !allResolved {
			continue
		}

		finalLabel := "ag/done"
		summary := fmt.Sprintf("All %d sub-issues resolved successfully.", len(state.SubIssues))
		if anyFailed {
			finalLabel = "ag/failed"
			summary = fmt.Sprintf("Resolved with failures: one or more of the %d sub-issues did not complete.", len(state.SubIssues))
		}

		epicID := issueIDPath(epic.Number)
		if err := o.deps.Tracker.AddComment(ctx, o.deps.Repo, epicID, summary); err != nil {
			slog.Error("dependency sweep: post epic summary", "issue_number", epic.Number, "error", err)
		}
		if err := o.labels.TransitionTo(ctx, o.deps.Repo, epicID, finalLabel); err != nil {
			slog.Error("dependency sweep: transition epic label", "issue_number", epic.Number, "error", err)
		}
		if err := o.deps.Tracker.UpdateIssueStatus(ctx, o.deps.Repo, epicID, "closed"); err != nil {
			slog.Error("dependency sweep: close epic", "issue_number", epic.Number, "error", err)
		}
	}
	return nil
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}
