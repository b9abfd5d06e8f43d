package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// AGLabels is the complete set of labels managed by the pipeline.
var AGLabels = map[string]bool{
	"ag/todo":           true,
	"ag/in-progress":    true,
	"ag/blocked":        true,
	"ag/waiting":        true,
	"ag/planning":       true,
	"ag/review-pending": true,
	"ag/done":           true,
	"ag/failed":         true,
	"ag/skipped":        true,
	"ag/sub-issue":      true,
	"ag/epic":           true,
}

// HandledLabels are ag/* labels indicating an issue is already in flight
// and must not be re-selected by the scanner. ag/todo is excluded: it is
// the entry state, not a handled one.
var HandledLabels = map[string]bool{
	"ag/in-progress":    true,
	"ag/blocked":        true,
	"ag/waiting":        true,
	"ag/planning":       true,
	"ag/review-pending": true,
	"ag/done":           true,
	"ag/failed":         true,
	"ag/skipped":        true,
	"ag/epic":           true,
	"ag/sub-issue":      true,
}

// legacyTriggerLabels are non-ag/* labels that also admit an issue into the
// pipeline, per spec.md §9's open question on ai-*/ag-* naming.
var legacyTriggerLabels = map[string]bool{
	"agent":      true,
	"automated":  true,
	"agent-grid": true,
}

// labelColors is used by EnsureLabelsExist.
var labelColors = map[string]string{
	"ag/todo":           "006b75",
	"ag/in-progress":    "1d76db",
	"ag/blocked":        "e4e669",
	"ag/waiting":        "c5def5",
	"ag/planning":       "d4c5f9",
	"ag/review-pending": "fbca04",
	"ag/done":           "0e8a16",
	"ag/failed":         "d93f0b",
	"ag/skipped":        "cccccc",
	"ag/sub-issue":      "bfdadc",
	"ag/epic":           "3e4b9e",
}

// HasTriggerLabel reports whether labels contains an ag/* label or a legacy
// trigger label (agent, automated, agent-grid), accepting the legacy ai/*
// prefix on read per spec.md §9.
func HasTriggerLabel(labels []string) bool {
	for _, l := range labels {
		if isAgOrLegacyAg(l) || legacyTriggerLabels[l] {
			return true
		}
	}
	return false
}

// HasHandledLabel reports whether labels already contains a handled label.
func HasHandledLabel(labels []string) bool {
	for _, l := range labels {
		if HandledLabels[normalizeAg(l)] {
			return true
		}
	}
	return false
}

func isAgOrLegacyAg(l string) bool {
	return strings.HasPrefix(l, "ag/") || strings.HasPrefix(l, "ai/") || strings.HasPrefix(l, "ai-")
}

// normalizeAg maps the legacy ai/* and ai-* prefixes onto ag/*.
func normalizeAg(l string) string {
	switch {
	case strings.HasPrefix(l, "ai/"):
		return "ag/" + strings.TrimPrefix(l, "ai/")
	case strings.HasPrefix(l, "ai-"):
		return "ag/" + strings.TrimPrefix(l, "ai-")
	default:
		return l
	}
}

// LabelManager drives the ag/* label state machine (§4.4). Transitions are
// idempotent by construction: adding a present label or removing an
// absent one is tolerated by the underlying Client.
type LabelManager struct {
	client Client
}

// NewLabelManager constructs a LabelManager over any Client implementation.
func NewLabelManager(client Client) *LabelManager {
	return &LabelManager{client: client}
}

// TransitionTo removes every other ag/* label on the issue and adds
// newLabel. Not atomic at the tracker: concurrent racing transitions may
// briefly show both labels, which spec.md §4.4 deems acceptable.
func (m *LabelManager) TransitionTo(ctx context.Context, repo, issueID, newLabel string) error {
	issue, err := m.client.GetIssue(ctx, repo, issueID)
	if err != nil {
		return fmt.Errorf("tracker: transition_to: fetch issue: %w", err)
	}

	hadNewLabel := false
	for _, l := range issue.Labels {
		normalized := normalizeAg(l)
		if !AGLabels[normalized] {
			continue
		}
		if normalized == newLabel {
			hadNewLabel = true
			continue
		}
		if err := m.client.RemoveLabel(ctx, repo, issueID, l); err != nil {
			return fmt.Errorf("tracker: transition_to: remove %s: %w", l, err)
		}
	}

	if !hadNewLabel {
		if err := m.client.AddLabel(ctx, repo, issueID, newLabel); err != nil {
			return fmt.Errorf("tracker: transition_to: add %s: %w", newLabel, err)
		}
	}

	slog.Info("issue transitioned", "repo", repo, "issue_id", issueID, "label", newLabel)
	return nil
}

// EnsureLabelsExist idempotently creates every ag/* label on the repo.
// Adapters that cannot create labels (e.g. the filesystem adapter) treat
// this as a no-op.
func (m *LabelManager) EnsureLabelsExist(ctx context.Context, repo string) error {
	type labelCreator interface {
		CreateLabel(ctx context.Context, repo, name, color string) error
	}
	creator, ok := m.client.(labelCreator)
	if !ok {
		return nil
	}
	for name, color := range labelColors {
		if err := creator.CreateLabel(ctx, repo, name, color); err != nil {
			slog.Debug("label already exists or could not be created", "label", name, "error", err)
		}
	}
	return nil
}
