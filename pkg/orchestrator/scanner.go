package orchestrator

import (
	"context"
	"fmt"

	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// Scan lists every open issue in repo carrying a trigger label (ag/* or a
// legacy alias) that is not already in a handled state, for the control
// loop's first phase to classify and act on.
func Scan(ctx context.Context, client tracker.Client, repo string) ([]*tracker.Issue, error) {
	issues, err := client.ListIssues(ctx, repo, "open", nil)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: scan: list issues: %w", err)
	}

	var candidates []*tracker.Issue
	for _, issue := range issues {
		if !tracker.HasTriggerLabel(issue.Labels) {
			continue
		}
		if tracker.HasHandledLabel(issue.Labels) {
			continue
		}
		candidates = append(candidates, issue)
	}
	return candidates, nil
}
