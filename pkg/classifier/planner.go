package classifier

import "fmt"

// BuildImplementPrompt builds the prompt for a SIMPLE issue's launch-implement
// run: a direct instruction to resolve the issue in a single PR.
func BuildImplementPrompt(issue IssueView, repo string) string {
	return fmt.Sprintf(`You are an autonomous coding agent working on %s.

Resolve issue #%d: %s

%s

Implement the change, run the project's tests, and open a pull request
whose branch is named agent/%d and whose description includes the line
"Closes #%d".`, repo, issue.Number, issue.Title, orNoDescription(issue.Body), issue.Number, issue.Number)
}

// BuildPlanPrompt builds the prompt for a COMPLEX issue's launch-plan run.
// The planning agent is instructed to decompose the issue into sub-issues
// rather than implement anything itself (spec.md §4.6); the control loop's
// dependency sweep reconciles whatever the agent actually produces.
func BuildPlanPrompt(issue IssueView, repo string) string {
	return fmt.Sprintf(`You are a senior tech lead planning work on %s.

Issue #%d is too large for a single pull request: %s

%s

Read the repository, then create up to 10 sub-issues that together resolve
this issue. Label each sub-issue "ag/sub-issue". If a sub-issue cannot start
until another sub-issue is merged, add "Blocked-by: #<n>" to its body and
label it "ag/waiting". Post a short summary of the plan as a comment on
issue #%d and label it "ag/epic".`, repo, issue.Number, issue.Title, orNoDescription(issue.Body), issue.Number)
}

// BuildAddressReviewPrompt builds the prompt for responding to PR review
// feedback (CHANGES_REQUESTED or an unresolved review comment thread).
func BuildAddressReviewPrompt(issue IssueView, repo string, prNumber int, reviewBody string) string {
	return fmt.Sprintf(`You are an autonomous coding agent working on %s.

Pull request #%d (for issue #%d: %s) received review feedback:

%s

Address the feedback with additional commits on the existing branch. Do
not open a new pull request.`, repo, prNumber, issue.Number, issue.Title, reviewBody)
}

// BuildFixCIPrompt builds the prompt for responding to a failed CI check run.
func BuildFixCIPrompt(issue IssueView, repo string, prNumber int) string {
	return fmt.Sprintf(`You are an autonomous coding agent working on %s.

Pull request #%d (for issue #%d: %s) has a failing CI check. Investigate
the failure, fix it, and push additional commits to the existing branch.`, repo, prNumber, issue.Number, issue.Title)
}

// BuildRetryPrompt builds the prompt for relaunching an issue whose PR was
// closed without merge, carrying forward the prior attempt's context.
func BuildRetryPrompt(issue IssueView, repo string, priorContext string) string {
	return fmt.Sprintf(`You are an autonomous coding agent working on %s.

A previous attempt at issue #%d (%s) was closed without merging. Context
from that attempt:

%s

Try a different approach. Implement the change, run the project's tests,
and open a pull request whose branch is named agent/%d and whose
description includes the line "Closes #%d".`, repo, issue.Number, issue.Title, priorContext, issue.Number, issue.Number)
}

func orNoDescription(body string) string {
	if body == "" {
		return "(no description)"
	}
	return body
}
