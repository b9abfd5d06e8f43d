package classifier

import (
	"strings"
	"testing"
)

func TestBuildImplementPromptNamesBranchAndCloses(t *testing.T) {
	prompt := BuildImplementPrompt(IssueView{Number: 42, Title: "Fix the bug", Body: "it's broken"}, "org/repo")
	if !strings.Contains(prompt, "agent/42") {
		t.Error("expected branch name agent/42 in prompt")
	}
	if !strings.Contains(prompt, "Closes #42") {
		t.Error("expected Closes #42 in prompt")
	}
}

func TestBuildPlanPromptRequestsSubIssues(t *testing.T) {
	prompt := BuildPlanPrompt(IssueView{Number: 7, Title: "Rework auth", Body: "too big"}, "org/repo")
	if !strings.Contains(prompt, "ag/sub-issue") {
		t.Error("expected ag/sub-issue label instruction in plan prompt")
	}
	if !strings.Contains(prompt, "ag/epic") {
		t.Error("expected ag/epic label instruction in plan prompt")
	}
	if !strings.Contains(prompt, "Blocked-by") {
		t.Error("expected Blocked-by convention in plan prompt")
	}
}

func TestBuildImplementPromptHandlesEmptyBody(t *testing.T) {
	prompt := BuildImplementPrompt(IssueView{Number: 1, Title: "x"}, "org/repo")
	if !strings.Contains(prompt, "(no description)") {
		t.Error("expected placeholder for empty body")
	}
}
