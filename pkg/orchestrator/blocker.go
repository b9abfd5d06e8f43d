package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dragonflyic/agent-grid/pkg/classifier"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// findClarification locates the issue's most recent blocking-question
// comment (the one the classifier posted with the embedded type=blocked
// marker) and, if any comment after it looks like a human reply, returns
// its body. Used by both the ISSUE_COMMENT handler and the control loop's
// unblocked sweep so the two share exactly one definition of "answered".
func findClarification(issue *tracker.Issue) (string, bool) {
	lastBlocked := -1
	for i, c := range issue.Comments {
		meta := tracker.ExtractMetadata(c.Body)
		if meta == nil {
			continue
		}
		if t, _ := meta["type"].(string); t == "blocked" {
			lastBlocked = i
		}
	}
	if lastBlocked == -1 {
		return "", false
	}
	for _, c := range issue.Comments[lastBlocked+1:] {
		if isHumanReply(c) {
			return strings.TrimSpace(c.Body), true
		}
	}
	return "", false
}

func isHumanReply(c tracker.Comment) bool {
	if c.IsBot {
		return false
	}
	if strings.HasSuffix(c.Author, "[bot]") {
		return false
	}
	return tracker.ExtractMetadata(c.Body) == nil
}

// launchUnblocked transitions a previously-blocked issue back into
// in-progress and launches an implement run with the human's clarification
// threaded into the prompt.
func (o *Orchestrator) launchUnblocked(ctx context.Context, issue *tracker.Issue, clarification string) error {
	issueID := issueIDPath(issue.Number)
	if err := o.labels.TransitionTo(ctx, o.deps.Repo, issueID, "ag/in-progress"); err != nil {
		return fmt.Errorf("orchestrator: launch-unblocked: transition label: %w", err)
	}

	view := classifier.IssueView{Number: issue.Number, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}
	prompt := classifier.BuildImplementPrompt(view, o.deps.Repo) + "\n\nA human answered the blocking question:\n" + clarification

	return o.launch(ctx, launchParams{
		issueNumber: issue.Number,
		mode:        store.ModeImplement,
		prompt:      prompt,
	})
}
