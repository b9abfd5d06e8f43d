package tracker

import "testing"

func TestIssueNumberFromBranch(t *testing.T) {
	cases := []struct {
		branch string
		want   int
		ok     bool
	}{
		{"agent/42", 42, true},
		{"agent/42-fix-typo", 42, true},
		{"feature/something", 0, false},
		{"agent/abc", 0, false},
	}
	for _, tc := range cases {
		n, ok := IssueNumberFromBranch(tc.branch)
		if n != tc.want || ok != tc.ok {
			t.Errorf("IssueNumberFromBranch(%q) = (%d, %v), want (%d, %v)", tc.branch, n, ok, tc.want, tc.ok)
		}
	}
}

func TestIssueNumberFromPRBody(t *testing.T) {
	n, ok := IssueNumberFromPRBody("This change Closes #17 for good.", "agent/5")
	if !ok || n != 17 {
		t.Errorf("got (%d, %v), want (17, true)", n, ok)
	}

	n, ok = IssueNumberFromPRBody("no closing keyword here", "agent/5-fix")
	if !ok || n != 5 {
		t.Errorf("fallback to branch failed: got (%d, %v)", n, ok)
	}
}

func TestParseBlockedBy(t *testing.T) {
	got := ParseBlockedBy("Some text.\nBlocked-by: #12, #13, #14\nMore text.")
	want := []int{12, 13, 14}
	if len(got) != len(want) {
		t.Fatalf("ParseBlockedBy returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseBlockedBy[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseBlockedByAbsent(t *testing.T) {
	if got := ParseBlockedBy("no dependency marker here"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
