package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyic/agent-grid/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestInbox(t *testing.T, secret string) (*Inbox, *store.PostgresStore) {
	t.Helper()
	s := store.NewTestStore(t)
	return NewInbox(s, secret), s
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func doWebhook(inbox *Inbox, eventType, deliveryID, signature string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	if eventType != "" {
		c.Request.Header.Set("X-GitHub-Event", eventType)
	}
	if deliveryID != "" {
		c.Request.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	if signature != "" {
		c.Request.Header.Set("X-Hub-Signature-256", signature)
	}
	inbox.Handle(c)
	return w
}

func TestHandleRejectsBadSignature(t *testing.T) {
	inbox, _ := newTestInbox(t, "s3cret")
	body := []byte(`{"action":"opened"}`)

	w := doWebhook(inbox, "issues", "d1", "sha256=deadbeef", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleAcceptsValidSignature(t *testing.T) {
	secret := "s3cret"
	inbox, s := newTestInbox(t, secret)
	body := []byte(`{"action":"opened","repository":{"full_name":"local/repo"},"issue":{"number":42}}`)

	w := doWebhook(inbox, "issues", "d1", sign(secret, body), body)
	require.Equal(t, http.StatusOK, w.Code)

	events, err := s.GetUnprocessedWebhookEvents(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "d1", events[0].DeliveryID)
	require.Equal(t, "local/repo", *events[0].Repo)
	require.Equal(t, "42", *events[0].IssueID)
}

func TestHandleSkipsSignatureWhenSecretEmpty(t *testing.T) {
	inbox, _ := newTestInbox(t, "")
	body := []byte(`{"action":"opened","repository":{"full_name":"local/repo"},"issue":{"number":1}}`)

	w := doWebhook(inbox, "issues", "d2", "", body)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePingShortCircuits(t *testing.T) {
	inbox, s := newTestInbox(t, "")
	body := []byte(`{"zen":"hello"}`)

	w := doWebhook(inbox, "ping", "", "", body)
	require.Equal(t, http.StatusOK, w.Code)

	events, err := s.GetUnprocessedWebhookEvents(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestHandleDuplicateDeliveryIsRecognized(t *testing.T) {
	inbox, _ := newTestInbox(t, "")
	body := []byte(`{"action":"opened","repository":{"full_name":"local/repo"},"issue":{"number":1}}`)

	w1 := doWebhook(inbox, "issues", "dup-1", "", body)
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := doWebhook(inbox, "issues", "dup-1", "", body)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Contains(t, w2.Body.String(), "duplicate")
}

func TestHandleRejectsMissingDeliveryID(t *testing.T) {
	inbox, _ := newTestInbox(t, "")
	body := []byte(`{"action":"opened"}`)

	w := doWebhook(inbox, "issues", "", "", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
