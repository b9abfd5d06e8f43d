package tracker

import (
	"regexp"
	"strconv"
)

// agentBranchPattern matches branches created by the launch subroutine,
// e.g. "agent/42" or "agent/42-fix-typo".
var agentBranchPattern = regexp.MustCompile(`^agent/(\d+)(-.*)?$`)

// closesPattern matches GitHub's auto-close keywords in a PR body.
var closesPattern = regexp.MustCompile(`(?i)\b(?:closes|fixes|resolves)\s+#(\d+)`)

// blockedByPattern matches the planner's "Blocked-by: #12, #13" convention
// in a sub-issue body.
var blockedByPattern = regexp.MustCompile(`(?i)Blocked-by:\s*((?:#\d+\s*,?\s*)+)`)

// IssueNumberFromBranch extracts the issue number from an agent branch
// name, returning (0, false) if branch does not match the agent/<n>(-.*)?
// convention.
func IssueNumberFromBranch(branch string) (int, bool) {
	m := agentBranchPattern.FindStringSubmatch(branch)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsAgentBranch reports whether branch was created by the launch
// subroutine.
func IsAgentBranch(branch string) bool {
	return agentBranchPattern.MatchString(branch)
}

// IssueNumberFromPRBody extracts the first "Closes|Fixes|Resolves #N"
// reference from a PR body, falling back to the branch name when the body
// carries none.
func IssueNumberFromPRBody(body, branch string) (int, bool) {
	if m := closesPattern.FindStringSubmatch(body); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return IssueNumberFromBranch(branch)
}

// ParseBlockedBy extracts the set of issue numbers an issue body declares
// itself blocked by, per the planner's "Blocked-by: #12, #13" convention.
func ParseBlockedBy(body string) []int {
	m := blockedByPattern.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	nums := regexp.MustCompile(`\d+`).FindAllString(m[1], -1)
	out := make([]int, 0, len(nums))
	for _, n := range nums {
		if v, err := strconv.Atoi(n); err == nil {
			out = append(out, v)
		}
	}
	return out
}
