// Package tracker defines the issue-tracker client interface (§6) and its
// concrete adapters: a GitHub-backed client and a filesystem-backed client
// for local development and e2e tests.
package tracker

import "context"

// Issue is the tracker's view of an issue, including comments.
type Issue struct {
	Number    int
	Repo      string
	Title     string
	Body      string
	State     string // "open" | "closed"
	Labels    []string
	Comments  []Comment
	CreatedAt string
	UpdatedAt string
}

// Comment is a single comment on an issue or PR.
type Comment struct {
	Body      string
	Author    string
	IsBot     bool
	CreatedAt string
}

// PullRequest is the subset of PR data the control loop's review sweeps
// need.
type PullRequest struct {
	Number int
	Branch string
	Body   string
	State  string // "open" | "closed"
	Merged bool
}

// Review is a single PR review.
type Review struct {
	State       string // "CHANGES_REQUESTED" | "COMMENTED" | "APPROVED"
	Body        string
	SubmittedAt string
}

// CheckRun is a single CI check run on a commit.
type CheckRun struct {
	HeadSHA    string
	Conclusion string // "success" | "failure" | ...
}

// Client is the abstract capability set a compute-agnostic scheduler and
// control loop program against.
type Client interface {
	GetIssue(ctx context.Context, repo string, id string) (*Issue, error)
	ListIssues(ctx context.Context, repo string, status string, labels []string) ([]*Issue, error)
	ListSubissues(ctx context.Context, repo string, parentID string) ([]*Issue, error)
	CreateSubissue(ctx context.Context, repo, parentID, title, body string, labels []string) (*Issue, error)
	AddComment(ctx context.Context, repo, id, body string) error
	UpdateIssueStatus(ctx context.Context, repo, id, status string) error
	AddLabel(ctx context.Context, repo, id, label string) error
	RemoveLabel(ctx context.Context, repo, id, label string) error

	// PRSource is the read-only escape hatch for the PR-review sweep,
	// replacing the reference's runtime "isinstance(tracker, GitHubClient)"
	// type sniffing with a typed capability (spec.md §9).
	PRSource() (PRSource, bool)
}

// PRSource is implemented by adapters that can enumerate pull requests and
// their review activity. The filesystem adapter does not implement it.
type PRSource interface {
	ListOpenPullRequests(ctx context.Context, repo string) ([]*PullRequest, error)
	ListClosedPullRequests(ctx context.Context, repo string, since string) ([]*PullRequest, error)
	ListReviews(ctx context.Context, repo string, prNumber int) ([]*Review, error)
	ListReviewComments(ctx context.Context, repo string, prNumber int) ([]Comment, error)
	ListCheckRuns(ctx context.Context, repo, headSHA string) ([]*CheckRun, error)
}
