package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
)

// GitHubClient adapts google/go-github to the Client and PRSource
// interfaces.
type GitHubClient struct {
	gh *github.Client
}

// NewGitHubClient builds a client authenticated with a personal access
// token.
func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{gh: github.NewClient(nil).WithAuthToken(token)}
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("tracker: repo %q is not in owner/name form", repo)
	}
	return parts[0], parts[1], nil
}

func (c *GitHubClient) GetIssue(ctx context.Context, repo, id string) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	number, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid issue id %q: %w", id, err)
	}

	issue, _, err := c.gh.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("tracker: get issue %s#%d: %w", repo, number, err)
	}

	comments, _, err := c.gh.Issues.ListComments(ctx, owner, name, number, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: list comments %s#%d: %w", repo, number, err)
	}

	return toIssue(repo, issue, comments), nil
}

func (c *GitHubClient) ListIssues(ctx context.Context, repo, status string, labels []string) ([]*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &github.IssueListByRepoOptions{
		State:       orDefault(status, "open"),
		Labels:      labels,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []*Issue
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("tracker: list issues %s: %w", repo, err)
		}
		for _, i := range issues {
			if i.IsPullRequest() {
				continue
			}
			out = append(out, toIssue(repo, i, nil))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) ListSubissues(ctx context.Context, repo, parentID string) ([]*Issue, error) {
	// go-github's sub-issues API is not exposed here; Agent Grid tracks
	// parent/child relationships via IssueState.SubIssues in the store
	// instead of re-deriving them from the tracker on every sweep.
	return nil, nil
}

func (c *GitHubClient) CreateSubissue(ctx context.Context, repo, parentID, title, body string, labels []string) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	req := &github.IssueRequest{Title: &title, Body: &body, Labels: &labels}
	issue, _, err := c.gh.Issues.Create(ctx, owner, name, req)
	if err != nil {
		return nil, fmt.Errorf("tracker: create subissue on %s: %w", repo, err)
	}
	return toIssue(repo, issue, nil), nil
}

func (c *GitHubClient) AddComment(ctx context.Context, repo, id, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("tracker: invalid issue id %q: %w", id, err)
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("tracker: add comment %s#%d: %w", repo, number, err)
	}
	return nil
}

func (c *GitHubClient) UpdateIssueStatus(ctx context.Context, repo, id, status string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("tracker: invalid issue id %q: %w", id, err)
	}
	_, _, err = c.gh.Issues.Edit(ctx, owner, name, number, &github.IssueRequest{State: &status})
	if err != nil {
		return fmt.Errorf("tracker: update issue status %s#%d: %w", repo, number, err)
	}
	return nil
}

func (c *GitHubClient) AddLabel(ctx context.Context, repo, id, label string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("tracker: invalid issue id %q: %w", id, err)
	}
	_, _, err = c.gh.Issues.AddLabelsToIssue(ctx, owner, name, number, []string{label})
	if err != nil {
		// GitHub answers 200 when the label is already present, so an
		// error here is a real failure and is returned as is.
		return fmt.Errorf("tracker: add label %s %s#%d: %w", label, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, repo, id, label string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("tracker: invalid issue id %q: %w", id, err)
	}
	_, err = c.gh.Issues.RemoveLabelForIssue(ctx, owner, name, number, label)
	if err != nil {
		if resp, ok := err.(*github.ErrorResponse); ok && resp.Response != nil && resp.Response.StatusCode == 404 {
			return nil // already absent; I6 tolerates this
		}
		return fmt.Errorf("tracker: remove label %s %s#%d: %w", label, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) CreateLabel(ctx context.Context, repo, name, color string) error {
	owner, repoName, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateLabel(ctx, owner, repoName, &github.Label{Name: &name, Color: &color})
	return err
}

// PRSource returns this adapter itself — GitHubClient implements the
// escape-hatch interface directly.
func (c *GitHubClient) PRSource() (PRSource, bool) {
	return c, true
}

func (c *GitHubClient) ListOpenPullRequests(ctx context.Context, repo string) ([]*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: list open PRs %s: %w", repo, err)
	}
	return toPullRequests(prs), nil
}

func (c *GitHubClient) ListClosedPullRequests(ctx context.Context, repo, since string) ([]*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: list closed PRs %s: %w", repo, err)
	}
	return toPullRequests(prs), nil
}

func (c *GitHubClient) ListReviews(ctx context.Context, repo string, prNumber int) ([]*Review, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, owner, name, prNumber, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("tracker: list reviews %s#%d: %w", repo, prNumber, err)
	}
	out := make([]*Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, &Review{
			State:       r.GetState(),
			Body:        r.GetBody(),
			SubmittedAt: r.GetSubmittedAt().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

func (c *GitHubClient) ListReviewComments(ctx context.Context, repo string, prNumber int) ([]Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	comments, _, err := c.gh.PullRequests.ListComments(ctx, owner, name, prNumber, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: list review comments %s#%d: %w", repo, prNumber, err)
	}
	out := make([]Comment, 0, len(comments))
	for _, cm := range comments {
		out = append(out, Comment{
			Body:      fmt.Sprintf("File: %s\n%s", cm.GetPath(), cm.GetBody()),
			Author:    cm.GetUser().GetLogin(),
			IsBot:     strings.HasSuffix(cm.GetUser().GetLogin(), "[bot]"),
			CreatedAt: cm.GetCreatedAt().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

func (c *GitHubClient) ListCheckRuns(ctx context.Context, repo, headSHA string) ([]*CheckRun, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	result, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, headSHA, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: list check runs %s@%s: %w", repo, headSHA, err)
	}
	out := make([]*CheckRun, 0, len(result.CheckRuns))
	for _, r := range result.CheckRuns {
		out = append(out, &CheckRun{HeadSHA: headSHA, Conclusion: r.GetConclusion()})
	}
	return out, nil
}

func toIssue(repo string, issue *github.Issue, comments []*github.IssueComment) *Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	out := &Issue{
		Number:    issue.GetNumber(),
		Repo:      repo,
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Labels:    labels,
		CreatedAt: issue.GetCreatedAt().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: issue.GetUpdatedAt().Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, c := range comments {
		login := c.GetUser().GetLogin()
		out.Comments = append(out.Comments, Comment{
			Body:      c.GetBody(),
			Author:    login,
			IsBot:     strings.HasSuffix(login, "[bot]"),
			CreatedAt: c.GetCreatedAt().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}

func toPullRequests(prs []*github.PullRequest) []*PullRequest {
	out := make([]*PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, &PullRequest{
			Number: pr.GetNumber(),
			Branch: pr.GetHead().GetRef(),
			Body:   pr.GetBody(),
			State:  pr.GetState(),
			Merged: pr.GetMerged(),
		})
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
