// Package webhook implements the tracker webhook ingress and the
// background deduplicator that turns raw deliveries into canonical bus
// events (spec.md §4.3).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dragonflyic/agent-grid/pkg/store"
)

// Inbox is the gin handler for POST /webhooks/github. It verifies the
// delivery signature, persists the raw event, and returns — it never
// publishes to the event bus directly; the Deduplicator does that on its
// own schedule.
type Inbox struct {
	store  *store.PostgresStore
	secret string
}

// NewInbox constructs an Inbox bound to store, verifying deliveries
// against secret.
func NewInbox(s *store.PostgresStore, secret string) *Inbox {
	return &Inbox{store: s, secret: secret}
}

// rawPayload is the subset of the GitHub webhook JSON body this package
// reads across all event types it handles.
type rawPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue *struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	CheckRun *struct {
		ID int64 `json:"id"`
	} `json:"check_run"`
}

// Handle is the gin.HandlerFunc for the webhook endpoint.
func (h *Inbox) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	if !h.verifySignature(c.GetHeader("X-Hub-Signature-256"), body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	eventType := c.GetHeader("X-GitHub-Event")
	if eventType == "ping" {
		c.JSON(http.StatusOK, gin.H{"status": "pong"})
		return
	}

	deliveryID := c.GetHeader("X-GitHub-Delivery")
	if deliveryID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing delivery id"})
		return
	}

	var payload rawPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed json"})
		return
	}

	repo := payload.Repository.FullName
	issueID := issueIDFromPayload(&payload)

	event := &store.WebhookEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Payload:    string(body),
	}
	if payload.Action != "" {
		event.Action = &payload.Action
	}
	if repo != "" {
		event.Repo = &repo
	}
	if issueID != "" {
		event.IssueID = &issueID
	}

	created, err := h.store.CreateWebhookEvent(c.Request.Context(), event)
	if err != nil {
		slog.Error("webhook inbox: persist failed", "delivery_id", deliveryID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist failed"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "delivery_id": deliveryID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued", "delivery_id": deliveryID})
}

// issueIDFromPayload resolves the tracker-facing issue/PR number the event
// concerns, preferring issue, then pull_request. check_run events carry no
// issue number at the webhook layer — the deduplicator forwards their head
// branch, head SHA and first associated PR number instead, and the
// scheduler maps the branch to its issue.
func issueIDFromPayload(p *rawPayload) string {
	switch {
	case p.Issue != nil:
		return fmt.Sprintf("%d", p.Issue.Number)
	case p.PullRequest != nil:
		return fmt.Sprintf("%d", p.PullRequest.Number)
	default:
		return ""
	}
}

// verifySignature checks header against an HMAC-SHA256 of body keyed by
// the configured secret, using constant-time comparison.
func (h *Inbox) verifySignature(header string, body []byte) bool {
	if h.secret == "" {
		return true // signature verification disabled, e.g. local dev
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	return hmac.Equal(given, expected)
}
