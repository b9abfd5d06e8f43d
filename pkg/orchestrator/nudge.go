package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/store"
)

// processPendingNudges is run after AGENT_COMPLETED/AGENT_FAILED to launch
// any pending nudge_queue rows for the issue. HandleNudge and the
// NUDGE_REQUESTED handler launch directly and add no rows to the queue;
// only nudges stored through the store's CreateNudge are picked up here.
func (o *Orchestrator) processPendingNudges(ctx context.Context, issueID string) {
	nudges, err := o.deps.Store.GetPendingNudges(ctx, 50)
	if err != nil {
		slog.Error("process pending nudges: list", "error", err)
		return
	}

	for _, n := range nudges {
		if n.IssueID != issueID {
			continue
		}
		if err := o.launchFromNudge(ctx, n.IssueID); err != nil {
			slog.Error("process pending nudges: launch", "issue_id", n.IssueID, "error", err)
			continue
		}
		if err := o.deps.Store.MarkNudgeProcessed(ctx, n.ID); err != nil {
			slog.Error("process pending nudges: mark processed", "nudge_id", n.ID, "error", err)
		}
	}
}

// HandleNudge is the entry point for an external NUDGE_REQUESTED request:
// resolve the target issue and call launch-implement directly, bypassing
// classification (spec.md §4.4) — a nudge is an explicit human instruction
// to work the issue now, not a candidate for the classifier's judgment.
func (o *Orchestrator) HandleNudge(ctx context.Context, issueID string) error {
	return o.launchFromNudge(ctx, issueID)
}

func (o *Orchestrator) launchFromNudge(ctx context.Context, issueID string) error {
	repo, issueNumber, err := parseIssueID(issueID)
	if err != nil {
		return err
	}
	issue, err := o.deps.Tracker.GetIssue(ctx, repo, issueIDPath(issueNumber))
	if err != nil {
		return fmt.Errorf("orchestrator: launch from nudge: fetch issue: %w", err)
	}
	view := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}
	return o.launch(ctx, launchParams{
		issueNumber: issueNumber,
		mode:        store.ModeImplement,
		prompt:      classifier.BuildImplementPrompt(view, repo),
	})
}
