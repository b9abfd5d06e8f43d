package compute

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// NewProcessRunFunc returns a RunFunc that shells out to agentCommand for
// every run, passing the issue context as environment variables and the
// prompt on stdin — the actual coding-agent session is out of scope here
// (see the package doc); this only wires the subprocess boundary.
//
// agentCommand's stdout is scanned line by line: a "BRANCH=" or
// "PR_URL=" prefixed line sets the corresponding PollResult field, and
// every other line is accumulated into the result text. workDir, if set,
// becomes the subprocess's working directory (e.g. a per-run git
// worktree checked out by the caller).
func NewProcessRunFunc(agentCommand string, agentArgs []string, workDir string) RunFunc {
	return func(ctx context.Context, cfg LaunchConfig) (result, branch, prURL string, err error) {
		cmd := exec.CommandContext(ctx, agentCommand, agentArgs...)
		cmd.Dir = workDir
		cmd.Stdin = strings.NewReader(cfg.Prompt)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("AGENT_GRID_EXECUTION_ID=%s", cfg.ExecutionID),
			fmt.Sprintf("AGENT_GRID_REPO_URL=%s", cfg.RepoURL),
			fmt.Sprintf("AGENT_GRID_ISSUE_NUMBER=%d", cfg.IssueNumber),
			fmt.Sprintf("AGENT_GRID_MODE=%s", cfg.Mode),
		)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if runErr := cmd.Run(); runErr != nil {
			return "", "", "", fmt.Errorf("compute: agent command: %w: %s", runErr, stderr.String())
		}

		var resultLines []string
		scanner := bufio.NewScanner(&stdout)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "BRANCH="):
				branch = strings.TrimPrefix(line, "BRANCH=")
			case strings.HasPrefix(line, "PR_URL="):
				prURL = strings.TrimPrefix(line, "PR_URL=")
			default:
				resultLines = append(resultLines, line)
			}
		}
		return strings.Join(resultLines, "\n"), branch, prURL, nil
	}
}
