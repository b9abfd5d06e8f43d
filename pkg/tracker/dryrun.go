package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DryRunLogger appends intercepted write actions to a JSONL file instead of
// letting them reach the tracker.
type DryRunLogger struct {
	mu   sync.Mutex
	path string
}

// NewDryRunLogger truncates (or creates) outputFile and returns a logger
// that appends to it.
func NewDryRunLogger(outputFile string) (*DryRunLogger, error) {
	if err := os.WriteFile(outputFile, nil, 0o644); err != nil {
		return nil, fmt.Errorf("tracker: init dry-run log: %w", err)
	}
	slog.Info("dry-run output", "path", outputFile)
	return &DryRunLogger{path: outputFile}, nil
}

func (l *DryRunLogger) Log(action string, fields map[string]any) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"action":    action,
	}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("dry-run: failed to marshal log entry", "action", action, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("dry-run: failed to open log file", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("dry-run: failed to append log entry", "error", err)
	}
	slog.Info("dry run", "action", action, "fields", fields)
}

// dryRunClient wraps a real Client: reads pass through unchanged, writes are
// diverted to the DryRunLogger. It never claims a PRSource of its own —
// review sweeps in dry-run mode read through to the wrapped client's real
// PRSource so PR activity is still visible, it is only tracker mutations
// that are suppressed.
type dryRunClient struct {
	real    Client
	log     *DryRunLogger
	counter int
	mu      sync.Mutex
}

// WithDryRun wraps real so every mutating Client call is logged to log
// instead of executed, per spec.md's dry-run mode (§12).
func WithDryRun(real Client, log *DryRunLogger) Client {
	return &dryRunClient{real: real, log: log, counter: 90000}
}

func (c *dryRunClient) GetIssue(ctx context.Context, repo, id string) (*Issue, error) {
	return c.real.GetIssue(ctx, repo, id)
}

func (c *dryRunClient) ListIssues(ctx context.Context, repo, status string, labels []string) ([]*Issue, error) {
	return c.real.ListIssues(ctx, repo, status, labels)
}

func (c *dryRunClient) ListSubissues(ctx context.Context, repo, parentID string) ([]*Issue, error) {
	return c.real.ListSubissues(ctx, repo, parentID)
}

func (c *dryRunClient) CreateSubissue(ctx context.Context, repo, parentID, title, body string, labels []string) (*Issue, error) {
	c.mu.Lock()
	c.counter++
	fakeNumber := c.counter
	c.mu.Unlock()

	c.log.Log("create_subissue", map[string]any{
		"repo":        repo,
		"parent_id":   parentID,
		"title":       title,
		"body":        truncate(body, 500),
		"labels":      labels,
		"fake_number": fakeNumber,
	})
	return &Issue{Number: fakeNumber, Repo: repo, Title: title, Body: body, State: "open", Labels: labels}, nil
}

func (c *dryRunClient) AddComment(ctx context.Context, repo, id, body string) error {
	c.log.Log("add_comment", map[string]any{"repo": repo, "issue_id": id, "body": truncate(body, 500)})
	return nil
}

func (c *dryRunClient) UpdateIssueStatus(ctx context.Context, repo, id, status string) error {
	c.log.Log("update_issue_status", map[string]any{"repo": repo, "issue_id": id, "status": status})
	return nil
}

func (c *dryRunClient) AddLabel(ctx context.Context, repo, id, label string) error {
	c.log.Log("add_label", map[string]any{"repo": repo, "issue_id": id, "label": label})
	return nil
}

func (c *dryRunClient) RemoveLabel(ctx context.Context, repo, id, label string) error {
	c.log.Log("remove_label", map[string]any{"repo": repo, "issue_id": id, "label": label})
	return nil
}

func (c *dryRunClient) PRSource() (PRSource, bool) {
	return c.real.PRSource()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
