package tracker

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasTriggerLabel(t *testing.T) {
	cases := []struct {
		labels []string
		want   bool
	}{
		{[]string{"ag/todo"}, true},
		{[]string{"ai/todo"}, true},
		{[]string{"ai-todo"}, true},
		{[]string{"agent"}, true},
		{[]string{"bug"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := HasTriggerLabel(tc.labels); got != tc.want {
			t.Errorf("HasTriggerLabel(%v) = %v, want %v", tc.labels, got, tc.want)
		}
	}
}

func TestHasHandledLabel(t *testing.T) {
	if !HasHandledLabel([]string{"ag/in-progress"}) {
		t.Error("expected ag/in-progress to be handled")
	}
	if !HasHandledLabel([]string{"ai/done"}) {
		t.Error("expected legacy ai/done to normalize to handled ag/done")
	}
	if HasHandledLabel([]string{"ag/todo"}) {
		t.Error("ag/todo is the entry state, should not count as handled")
	}
}

func TestNormalizeAg(t *testing.T) {
	cases := map[string]string{
		"ai/blocked": "ag/blocked",
		"ai-blocked": "ag/blocked",
		"ag/blocked": "ag/blocked",
		"bug":        "bug",
	}
	for in, want := range cases {
		if got := normalizeAg(in); got != want {
			t.Errorf("normalizeAg(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLabelManagerTransitionRemovesOtherAGLabels(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	issue, err := client.createIssue("local/repo", "title", "body", []string{"ag/in-progress", "bug"}, nil)
	require.NoError(t, err)
	id := strconv.Itoa(issue.Number)

	mgr := NewLabelManager(client)
	require.NoError(t, mgr.TransitionTo(ctx, "local/repo", id, "ag/done"))

	got, err := client.GetIssue(ctx, "local/repo", id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bug", "ag/done"}, got.Labels)
}

func TestLabelManagerTransitionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, err := NewFilesystemClient(t.TempDir())
	require.NoError(t, err)

	issue, err := client.createIssue("local/repo", "title", "body", []string{"ag/done"}, nil)
	require.NoError(t, err)
	id := strconv.Itoa(issue.Number)

	mgr := NewLabelManager(client)
	require.NoError(t, mgr.TransitionTo(ctx, "local/repo", id, "ag/done"))

	got, err := client.GetIssue(ctx, "local/repo", id)
	require.NoError(t, err)
	require.Equal(t, []string{"ag/done"}, got.Labels)
}
