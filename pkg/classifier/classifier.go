// Package classifier implements the Classifier and prompt-building half of
// the policy layer (spec.md §4.6): given an issue, decide whether it is
// tractable for an autonomous coding agent and, if so, how.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Category is the Classifier's verdict on an issue.
type Category string

const (
	CategorySimple  Category = "SIMPLE"
	CategoryComplex Category = "COMPLEX"
	CategoryBlocked Category = "BLOCKED"
	CategorySkip    Category = "SKIP"
)

// Classification is the Classifier's structured output.
type Classification struct {
	Category            Category `json:"category"`
	Reason              string   `json:"reason"`
	BlockingQuestion    string   `json:"blocking_question,omitempty"`
	EstimatedComplexity int      `json:"estimated_complexity"`
	Dependencies        []int    `json:"dependencies"`
}

const classificationPrompt = `You are a senior tech lead. Given this GitHub issue, classify it.

Issue Title: %s
Issue Body:
%s

Labels: %s

Classify as ONE of:
A. SIMPLE — Can be done in a single PR by one agent. Estimated: < 200 lines changed, single concern, clear scope.
B. COMPLEX — Needs decomposition into sub-tasks. Estimated: multiple files/concerns, needs a plan first.
C. BLOCKED — Missing information, ambiguous requirements, needs human clarification before work can begin.
D. SKIP — Not suitable for AI (too creative, too risky, requires domain expertise beyond code).

Respond as JSON:
{
  "category": "SIMPLE" | "COMPLEX" | "BLOCKED" | "SKIP",
  "reason": "one sentence explaining why",
  "blocking_question": "question for human, only if BLOCKED",
  "estimated_complexity": 1-10,
  "dependencies": [list of issue numbers this depends on, if any]
}

Respond ONLY with the JSON object, no markdown fences.`

// IssueView is the subset of tracker.Issue the Classifier needs — kept
// narrow so classifier does not import pkg/tracker.
type IssueView struct {
	Number int
	Title  string
	Body   string
	Labels []string
}

// Classifier calls the Anthropic API to classify issues.
type Classifier struct {
	client anthropic.Client
	model  string
}

// New constructs a Classifier. model is typically config.ClassificationModel.
func New(apiKey, model string) *Classifier {
	return &Classifier{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Classify classifies a single issue. Per spec.md §4.6, a JSON parse
// failure defaults to SIMPLE; an API-level failure defaults to SKIP — the
// two failure modes are treated asymmetrically on purpose: a malformed
// model response is assumed harmless to retry as SIMPLE, while an
// inability to reach the API at all should not risk launching anything.
func (c *Classifier) Classify(ctx context.Context, issue IssueView) Classification {
	body := issue.Body
	if body == "" {
		body = "(no description)"
	}
	labels := "(none)"
	if len(issue.Labels) > 0 {
		labels = strings.Join(issue.Labels, ", ")
	}
	prompt := fmt.Sprintf(classificationPrompt, issue.Title, body, labels)

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 500,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		slog.Error("classifier: API error", "issue_number", issue.Number, "error", err)
		return Classification{Category: CategorySkip, Reason: fmt.Sprintf("classification error: %v", err)}
	}

	if len(message.Content) == 0 {
		slog.Error("classifier: empty response", "issue_number", issue.Number)
		return Classification{Category: CategorySimple, Reason: "classification parse error, defaulting to SIMPLE"}
	}

	text := strings.TrimSpace(message.Content[0].Text)
	var parsed Classification
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		slog.Error("classifier: failed to parse response", "issue_number", issue.Number, "error", err)
		return Classification{Category: CategorySimple, Reason: "classification parse error, defaulting to SIMPLE"}
	}
	if parsed.EstimatedComplexity == 0 {
		parsed.EstimatedComplexity = 5
	}

	slog.Info("classifier: classified issue", "issue_number", issue.Number, "category", parsed.Category, "reason", parsed.Reason)
	return parsed
}
