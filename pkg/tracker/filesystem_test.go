package tracker

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemClientCreateAndGetIssue(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	issue, err := client.createIssue("local/repo", "Fix the bug", "it's broken", []string{"ag/todo"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, issue.Number)

	got, err := client.GetIssue(ctx, "local/repo", strconv.Itoa(issue.Number))
	require.NoError(t, err)
	require.Equal(t, "Fix the bug", got.Title)
	require.Equal(t, "it's broken", got.Body)
	require.Equal(t, []string{"ag/todo"}, got.Labels)
}

func TestFilesystemClientAddCommentAndStatus(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	issue, err := client.createIssue("local/repo", "title", "body", nil, nil)
	require.NoError(t, err)
	id := strconv.Itoa(issue.Number)

	require.NoError(t, client.AddComment(ctx, "local/repo", id, "a reply"))
	require.NoError(t, client.UpdateIssueStatus(ctx, "local/repo", id, "closed"))

	got, err := client.GetIssue(ctx, "local/repo", id)
	require.NoError(t, err)
	require.Equal(t, "closed", got.State)
	require.Len(t, got.Comments, 1)
	require.Equal(t, "a reply", got.Comments[0].Body)
}

func TestFilesystemClientSubissues(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	parent, err := client.createIssue("local/repo", "epic", "body", nil, nil)
	require.NoError(t, err)
	parentID := strconv.Itoa(parent.Number)

	_, err = client.CreateSubissue(ctx, "local/repo", parentID, "child", "body", []string{"ag/sub-issue"})
	require.NoError(t, err)

	children, err := client.ListSubissues(ctx, "local/repo", parentID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "child", children[0].Title)
}

func TestFilesystemClientListIssuesFiltersByLabel(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	_, err = client.createIssue("local/repo", "a", "body", []string{"bug"}, nil)
	require.NoError(t, err)
	_, err = client.createIssue("local/repo", "b", "body", []string{"feature"}, nil)
	require.NoError(t, err)

	bugs, err := client.ListIssues(ctx, "local/repo", "", []string{"bug"})
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	require.Equal(t, "a", bugs[0].Title)
}

func TestFilesystemClientLabelAddRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	issue, err := client.createIssue("local/repo", "title", "body", nil, nil)
	require.NoError(t, err)
	id := strconv.Itoa(issue.Number)

	require.NoError(t, client.AddLabel(ctx, "local/repo", id, "ag/todo"))
	require.NoError(t, client.AddLabel(ctx, "local/repo", id, "ag/todo")) // idempotent
	require.NoError(t, client.RemoveLabel(ctx, "local/repo", id, "ag/todo"))
	require.NoError(t, client.RemoveLabel(ctx, "local/repo", id, "ag/todo")) // idempotent

	got, err := client.GetIssue(ctx, "local/repo", id)
	require.NoError(t, err)
	require.Empty(t, got.Labels)
}

func TestFilesystemClientHasNoPRSource(t *testing.T) {
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)
	_, ok := client.PRSource()
	require.False(t, ok)
}
