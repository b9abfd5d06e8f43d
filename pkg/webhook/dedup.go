package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/store"
	"github.com/dragonflyic/agent-grid/pkg/tracker"
)

// Deduplicator is the background task that turns groups of raw webhook
// deliveries into at most one canonical bus event per (repo, issue_id)
// per quiet period (spec.md §4.3, invariant I3).
type Deduplicator struct {
	store        *store.PostgresStore
	bus          *eventbus.Bus
	quietPeriod  time.Duration
	pollInterval time.Duration
}

// NewDeduplicator constructs a Deduplicator.
func NewDeduplicator(s *store.PostgresStore, bus *eventbus.Bus, quietPeriod, pollInterval time.Duration) *Deduplicator {
	return &Deduplicator{store: s, bus: bus, quietPeriod: quietPeriod, pollInterval: pollInterval}
}

// Run blocks, polling every pollInterval until ctx is cancelled.
func (d *Deduplicator) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.runOnce(ctx); err != nil {
				slog.Error("webhook deduplicator: cycle failed", "error", err)
			}
		}
	}
}

func (d *Deduplicator) runOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-d.quietPeriod)
	events, err := d.store.GetUnprocessedWebhookEvents(ctx, cutoff, 500)
	if err != nil {
		return fmt.Errorf("webhook deduplicator: list unprocessed: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	var coalescible []*store.WebhookEvent
	for _, e := range events {
		if isPassthroughEventType(e.EventType) {
			d.processPassthrough(ctx, e)
			continue
		}
		coalescible = append(coalescible, e)
	}

	groups := groupByRepoIssue(coalescible)
	for key, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].ReceivedAt.Before(group[j].ReceivedAt) })
		d.processGroup(ctx, key.repo, key.issueID, group)
	}
	return nil
}

// isPassthroughEventType reports whether eventType carries PR review, PR
// close, or CI check activity — these are already atomic at delivery time
// (unlike issue label churn) and so bypass quiet-period coalescing
// entirely; each is processed and marked individually.
func isPassthroughEventType(eventType string) bool {
	switch eventType {
	case "pull_request_review", "pull_request", "check_run":
		return true
	default:
		return false
	}
}

// passthroughPayload is the subset of a PR/check-run webhook body the
// passthrough handlers inspect.
type passthroughPayload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Number int    `json:"number"`
		Body   string `json:"body"`
		Merged bool   `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Review *struct {
		State       string `json:"state"`
		Body        string `json:"body"`
		SubmittedAt string `json:"submitted_at"`
	} `json:"review"`
	CheckRun *struct {
		HeadSHA    string `json:"head_sha"`
		Conclusion string `json:"conclusion"`
		CheckSuite struct {
			HeadBranch   string `json:"head_branch"`
			PullRequests []struct {
				Number int `json:"number"`
			} `json:"pull_requests"`
		} `json:"check_suite"`
	} `json:"check_run"`
}

func (d *Deduplicator) processPassthrough(ctx context.Context, e *store.WebhookEvent) {
	defer func() {
		if err := d.store.MarkWebhookEventsProcessed(ctx, []uuid.UUID{e.ID}, &e.ID); err != nil {
			slog.Error("webhook deduplicator: mark passthrough processed", "delivery_id", e.DeliveryID, "error", err)
		}
	}()

	repo := ""
	if e.Repo != nil {
		repo = *e.Repo
	}
	var p passthroughPayload
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		slog.Error("webhook deduplicator: parse passthrough payload", "delivery_id", e.DeliveryID, "error", err)
		return
	}

	switch e.EventType {
	case "pull_request_review":
		if p.PullRequest == nil || p.Review == nil {
			return
		}
		d.bus.Publish(eventbus.PRReview, map[string]interface{}{
			"repo":      repo,
			"pr_number": p.PullRequest.Number,
			"branch":    p.PullRequest.Head.Ref,
			"state":     strings.ToLower(p.Review.State),
			"body":      p.Review.Body,
		})

	case "pull_request":
		if p.PullRequest == nil || p.Action != "closed" {
			return
		}
		d.bus.Publish(eventbus.PRClosed, map[string]interface{}{
			"repo":      repo,
			"pr_number": p.PullRequest.Number,
			"branch":    p.PullRequest.Head.Ref,
			"merged":    p.PullRequest.Merged,
		})

	case "check_run":
		if p.CheckRun == nil || p.CheckRun.Conclusion != "failure" {
			return
		}
		branch := p.CheckRun.CheckSuite.HeadBranch
		prNumber := 0
		if len(p.CheckRun.CheckSuite.PullRequests) > 0 {
			prNumber = p.CheckRun.CheckSuite.PullRequests[0].Number
		}
		d.bus.Publish(eventbus.CheckRunFailed, map[string]interface{}{
			"repo":      repo,
			"branch":    branch,
			"head_sha":  p.CheckRun.HeadSHA,
			"pr_number": prNumber,
		})
	}
}

type groupKey struct {
	repo    string
	issueID string
}

func groupByRepoIssue(events []*store.WebhookEvent) map[groupKey][]*store.WebhookEvent {
	groups := make(map[groupKey][]*store.WebhookEvent)
	for _, e := range events {
		repo := ""
		if e.Repo != nil {
			repo = *e.Repo
		}
		issueID := ""
		if e.IssueID != nil {
			issueID = *e.IssueID
		}
		key := groupKey{repo: repo, issueID: issueID}
		groups[key] = append(groups[key], e)
	}
	return groups
}

// dedupPayload is the subset of a webhook body the coalescing decision
// table inspects.
type dedupPayload struct {
	Issue *struct {
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Comment *struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
}

func (d *Deduplicator) processGroup(ctx context.Context, repo, issueID string, group []*store.WebhookEvent) {
	ids := make([]uuid.UUID, 0, len(group))
	primary := group[0].ID
	for _, e := range group {
		ids = append(ids, e.ID)
	}
	defer func() {
		if err := d.store.MarkWebhookEventsProcessed(ctx, ids, &primary); err != nil {
			slog.Error("webhook deduplicator: mark processed", "repo", repo, "issue_id", issueID, "error", err)
		}
	}()

	var finalLabels []string
	var sawClosed, sawOpened, sawLabeled bool
	var nudgeComment string

	for _, e := range group {
		action := ""
		if e.Action != nil {
			action = *e.Action
		}
		switch action {
		case "closed":
			sawClosed = true
		case "opened":
			sawOpened = true
		case "labeled":
			sawLabeled = true
		}

		var p dedupPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			slog.Error("webhook deduplicator: parse payload", "delivery_id", e.DeliveryID, "error", err)
			continue
		}
		if p.Issue != nil {
			labels := make([]string, 0, len(p.Issue.Labels))
			for _, l := range p.Issue.Labels {
				labels = append(labels, l.Name)
			}
			finalLabels = labels
		}
		if p.Comment != nil && strings.Contains(strings.ToLower(p.Comment.Body), "@agent-grid nudge") {
			nudgeComment = p.Comment.Body
		}
	}

	if sawClosed {
		return // DROP — issue opened/closed within the window
	}

	if nudgeComment != "" {
		d.bus.Publish(eventbus.NudgeRequested, map[string]interface{}{
			"repo":         repo,
			"issue_number": atoiOrZero(issueID),
			"reason":       nudgeComment,
		})
		return
	}

	hasTrigger := tracker.HasTriggerLabel(finalLabels)

	if sawOpened {
		if hasTrigger {
			d.bus.Publish(eventbus.IssueCreated, map[string]interface{}{
				"repo":         repo,
				"issue_number": atoiOrZero(issueID),
				"labels":       finalLabels,
			})
		}
		return // DROP if no trigger label
	}

	if sawLabeled && hasTrigger {
		d.bus.Publish(eventbus.IssueUpdated, map[string]interface{}{
			"repo":         repo,
			"issue_number": atoiOrZero(issueID),
			"action":       "labeled",
			"labels":       finalLabels,
		})
		return
	}

	// A non-nudge comment with no opened/labeled/closed signal in the
	// window still needs to reach the scheduler's blocked-issue reply
	// check; the decision table in spec.md §4.3 only covers issue
	// lifecycle actions and nudges, so this fallback emits ISSUE_COMMENT
	// for the scheduler's onIssueComment handler to evaluate against the
	// current label set.
	if hasCommentSignal(group) {
		d.bus.Publish(eventbus.IssueComment, map[string]interface{}{
			"repo":         repo,
			"issue_number": atoiOrZero(issueID),
		})
		return
	}

	// otherwise DROP
}

func hasCommentSignal(group []*store.WebhookEvent) bool {
	for _, e := range group {
		if e.EventType == "issue_comment" {
			return true
		}
	}
	return false
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
