package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FilesystemClient is a markdown-file-backed Client for local development
// and e2e tests, with no network dependency. Each issue is one file named
// "<id>.md" with YAML frontmatter followed by a body and an optional
// "## Comments" section.
type FilesystemClient struct {
	dir string
}

// NewFilesystemClient opens (creating if necessary) a directory of
// markdown issue files.
func NewFilesystemClient(dir string) (*FilesystemClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tracker: create issues directory: %w", err)
	}
	return &FilesystemClient{dir: dir}, nil
}

type issueFrontmatter struct {
	ID        int      `yaml:"id"`
	Title     string   `yaml:"title"`
	Status    string   `yaml:"status"`
	Labels    []string `yaml:"labels"`
	ParentID  *int     `yaml:"parent_id"`
	BlockedBy []int    `yaml:"blocked_by"`
	CreatedAt string   `yaml:"created_at"`
	UpdatedAt string   `yaml:"updated_at"`
}

var (
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n`)
	commentsPattern    = regexp.MustCompile(`(?s)## Comments\n(.*)`)
	commentPattern     = regexp.MustCompile(`(?s)### (\S+)\n(.*?)(?:\n### |\z)`)
)

func (c *FilesystemClient) issuePath(id string) string {
	return filepath.Join(c.dir, id+".md")
}

func (c *FilesystemClient) nextID() (int, error) {
	path := filepath.Join(c.dir, ".next_id")
	current := 1
	if b, err := os.ReadFile(path); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
			current = n
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(current+1)), 0o644); err != nil {
		return 0, fmt.Errorf("tracker: advance next-id counter: %w", err)
	}
	return current, nil
}

func parseIssueFile(id, content string) (*Issue, error) {
	fmMatch := frontmatterPattern.FindStringSubmatch(content)
	if fmMatch == nil {
		return nil, fmt.Errorf("tracker: issue %s: missing frontmatter", id)
	}
	var fm issueFrontmatter
	if err := yaml.Unmarshal([]byte(fmMatch[1]), &fm); err != nil {
		return nil, fmt.Errorf("tracker: issue %s: invalid frontmatter: %w", id, err)
	}

	remaining := content[len(fmMatch[0]):]
	body := remaining
	var commentsSection string
	if cm := commentsPattern.FindStringSubmatchIndex(remaining); cm != nil {
		body = remaining[:cm[0]]
		commentsSection = remaining[cm[2]:cm[3]]
	}
	body = strings.TrimSpace(body)

	var comments []Comment
	for _, m := range commentPattern.FindAllStringSubmatch(commentsSection, -1) {
		comments = append(comments, Comment{
			Body:      strings.TrimSpace(m[2]),
			CreatedAt: m[1],
		})
	}

	return &Issue{
		Number:    fm.ID,
		Title:     fm.Title,
		Body:      body,
		State:     orDefault(fm.Status, "open"),
		Labels:    fm.Labels,
		Comments:  comments,
		CreatedAt: fm.CreatedAt,
		UpdatedAt: fm.UpdatedAt,
	}, nil
}

func serializeIssueFile(issue *Issue, blockedBy []int, parentID *int) (string, error) {
	fm := issueFrontmatter{
		ID:        issue.Number,
		Title:     issue.Title,
		Status:    orDefault(issue.State, "open"),
		Labels:    issue.Labels,
		ParentID:  parentID,
		BlockedBy: blockedBy,
		CreatedAt: issue.CreatedAt,
		UpdatedAt: issue.UpdatedAt,
	}
	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("tracker: marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fmBytes)
	b.WriteString("---\n\n")
	b.WriteString(issue.Body)

	if len(issue.Comments) > 0 {
		b.WriteString("\n\n## Comments\n\n")
		for _, c := range issue.Comments {
			fmt.Fprintf(&b, "### %s\n%s\n\n", c.CreatedAt, c.Body)
		}
	}
	return b.String(), nil
}

func (c *FilesystemClient) GetIssue(ctx context.Context, repo, id string) (*Issue, error) {
	content, err := os.ReadFile(c.issuePath(id))
	if err != nil {
		return nil, fmt.Errorf("tracker: issue %s not found: %w", id, err)
	}
	issue, err := parseIssueFile(id, string(content))
	if err != nil {
		return nil, err
	}
	issue.Repo = repo
	return issue, nil
}

func (c *FilesystemClient) ListIssues(ctx context.Context, repo, status string, labels []string) ([]*Issue, error) {
	entries, err := filepath.Glob(filepath.Join(c.dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("tracker: list issue files: %w", err)
	}

	var out []*Issue
	for _, path := range entries {
		id := strings.TrimSuffix(filepath.Base(path), ".md")
		issue, err := c.GetIssue(ctx, repo, id)
		if err != nil {
			continue
		}
		if status != "" && issue.State != status {
			continue
		}
		if !hasAllLabels(issue.Labels, labels) {
			continue
		}
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, l := range want {
		if !set[l] {
			return false
		}
	}
	return true
}

func (c *FilesystemClient) ListSubissues(ctx context.Context, repo, parentID string) ([]*Issue, error) {
	all, err := c.ListIssues(ctx, repo, "", nil)
	if err != nil {
		return nil, err
	}
	pid, err := strconv.Atoi(parentID)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid parent id %q: %w", parentID, err)
	}
	var out []*Issue
	for _, issue := range all {
		parent, err := c.readParentID(issue.Number)
		if err == nil && parent != nil && *parent == pid {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (c *FilesystemClient) readParentID(number int) (*int, error) {
	content, err := os.ReadFile(c.issuePath(strconv.Itoa(number)))
	if err != nil {
		return nil, err
	}
	fmMatch := frontmatterPattern.FindStringSubmatch(string(content))
	if fmMatch == nil {
		return nil, fmt.Errorf("tracker: issue %d: missing frontmatter", number)
	}
	var fm issueFrontmatter
	if err := yaml.Unmarshal([]byte(fmMatch[1]), &fm); err != nil {
		return nil, err
	}
	return fm.ParentID, nil
}

// CreateIssue creates a top-level issue with no parent. Not part of the
// Client interface — a filesystem-only convenience for seeding local/dev
// issue directories and tests.
func (c *FilesystemClient) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	return c.createIssue(repo, title, body, labels, nil)
}

func (c *FilesystemClient) CreateSubissue(ctx context.Context, repo, parentID, title, body string, labels []string) (*Issue, error) {
	pid, err := strconv.Atoi(parentID)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid parent id %q: %w", parentID, err)
	}
	return c.createIssue(repo, title, body, labels, &pid)
}

func (c *FilesystemClient) createIssue(repo, title, body string, labels []string, parentID *int) (*Issue, error) {
	id, err := c.nextID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	issue := &Issue{
		Number:    id,
		Repo:      repo,
		Title:     title,
		Body:      body,
		State:     "open",
		Labels:    labels,
		CreatedAt: now,
		UpdatedAt: now,
	}
	content, err := serializeIssueFile(issue, nil, parentID)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(c.issuePath(strconv.Itoa(id)), []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("tracker: write issue %d: %w", id, err)
	}
	return issue, nil
}

func (c *FilesystemClient) AddComment(ctx context.Context, repo, id, body string) error {
	issue, err := c.GetIssue(ctx, repo, id)
	if err != nil {
		return err
	}
	issue.Comments = append(issue.Comments, Comment{Body: body, CreatedAt: time.Now().UTC().Format(time.RFC3339)})
	issue.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return c.writeBack(id, issue)
}

func (c *FilesystemClient) UpdateIssueStatus(ctx context.Context, repo, id, status string) error {
	issue, err := c.GetIssue(ctx, repo, id)
	if err != nil {
		return err
	}
	issue.State = status
	issue.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return c.writeBack(id, issue)
}

func (c *FilesystemClient) AddLabel(ctx context.Context, repo, id, label string) error {
	issue, err := c.GetIssue(ctx, repo, id)
	if err != nil {
		return err
	}
	for _, l := range issue.Labels {
		if l == label {
			return nil // idempotent
		}
	}
	issue.Labels = append(issue.Labels, label)
	return c.writeBack(id, issue)
}

func (c *FilesystemClient) RemoveLabel(ctx context.Context, repo, id, label string) error {
	issue, err := c.GetIssue(ctx, repo, id)
	if err != nil {
		return err
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return c.writeBack(id, issue)
}

func (c *FilesystemClient) writeBack(id string, issue *Issue) error {
	var parentID *int
	if p, err := c.readParentID(issue.Number); err == nil {
		parentID = p
	}
	content, err := serializeIssueFile(issue, nil, parentID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.issuePath(id), []byte(content), 0o644); err != nil {
		return fmt.Errorf("tracker: write issue %s: %w", id, err)
	}
	return nil
}

// PRSource — the filesystem adapter has no concept of pull requests.
func (c *FilesystemClient) PRSource() (PRSource, bool) {
	return nil, false
}
