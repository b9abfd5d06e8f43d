package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dragonflyic/agent-grid/pkg/eventbus"
	"github.com/dragonflyic/agent-grid/pkg/store"
)

// eventCapture collects bus events from the dispatch goroutine under a
// mutex so test assertions can read it safely from the calling goroutine.
type eventCapture struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *eventCapture) add(e eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCapture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCapture) at(i int) eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i]
}

func newTestDeduplicator(t *testing.T) (*Deduplicator, *store.PostgresStore, *eventbus.Bus) {
	t.Helper()
	s := store.NewTestStore(t)
	bus := eventbus.New(100)
	return NewDeduplicator(s, bus, time.Millisecond, time.Millisecond), s, bus
}

func captureEvents(t *testing.T, bus *eventbus.Bus, types ...eventbus.Type) *eventCapture {
	t.Helper()
	captured := &eventCapture{}
	for _, ty := range types {
		bus.Subscribe(ty, func(ctx context.Context, e eventbus.Event) error {
			captured.add(e)
			return nil
		})
	}
	return captured
}

func mustCreate(t *testing.T, s *store.PostgresStore, e *store.WebhookEvent) {
	t.Helper()
	created, err := s.CreateWebhookEvent(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)
}

func strPtr(s string) *string { return &s }

func TestDeduplicatorOpenedWithTriggerLabelEmitsIssueCreated(t *testing.T) {
	d, s, bus := newTestDeduplicator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	captured := captureEvents(t, bus, eventbus.IssueCreated)

	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d1",
		EventType:  "issues",
		Action:     strPtr("opened"),
		Repo:       strPtr("local/repo"),
		IssueID:    strPtr("5"),
		Payload:    `{"issue":{"labels":[{"name":"ag/todo"}]}}`,
	})

	require.NoError(t, d.runOnce(context.Background()))
	require.Eventually(t, func() bool { return captured.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 5, captured.at(0).Payload["issue_number"])
}

func TestDeduplicatorOpenedWithoutTriggerLabelDrops(t *testing.T) {
	d, s, bus := newTestDeduplicator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	captured := captureEvents(t, bus, eventbus.IssueCreated, eventbus.IssueUpdated, eventbus.IssueComment)

	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d2",
		EventType:  "issues",
		Action:     strPtr("opened"),
		Repo:       strPtr("local/repo"),
		IssueID:    strPtr("6"),
		Payload:    `{"issue":{"labels":[]}}`,
	})

	require.NoError(t, d.runOnce(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, captured.len())
}

func TestDeduplicatorClosedWithinWindowDropsGroup(t *testing.T) {
	d, s, bus := newTestDeduplicator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	captured := captureEvents(t, bus, eventbus.IssueCreated, eventbus.IssueUpdated)

	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d3",
		EventType:  "issues",
		Action:     strPtr("opened"),
		Repo:       strPtr("local/repo"),
		IssueID:    strPtr("7"),
		Payload:    `{"issue":{"labels":[{"name":"ag/todo"}]}}`,
	})
	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d4",
		EventType:  "issues",
		Action:     strPtr("closed"),
		Repo:       strPtr("local/repo"),
		IssueID:    strPtr("7"),
		Payload:    `{"issue":{"labels":[{"name":"ag/todo"}]}}`,
	})

	require.NoError(t, d.runOnce(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, captured.len())
}

func TestDeduplicatorNudgeCommentEmitsNudgeRequested(t *testing.T) {
	d, s, bus := newTestDeduplicator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	captured := captureEvents(t, bus, eventbus.NudgeRequested)

	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d5",
		EventType:  "issue_comment",
		Action:     strPtr("created"),
		Repo:       strPtr("local/repo"),
		IssueID:    strPtr("8"),
		Payload:    `{"comment":{"body":"@agent-grid nudge please retry","user":{"login":"alice"}}}`,
	})

	require.NoError(t, d.runOnce(context.Background()))
	require.Eventually(t, func() bool { return captured.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 8, captured.at(0).Payload["issue_number"])
}

func TestDeduplicatorCheckRunFailurePassesThroughImmediately(t *testing.T) {
	d, s, bus := newTestDeduplicator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	captured := captureEvents(t, bus, eventbus.CheckRunFailed)

	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d6",
		EventType:  "check_run",
		Repo:       strPtr("local/repo"),
		Payload: `{"check_run":{"head_sha":"abc123","conclusion":"failure",` +
			`"check_suite":{"head_branch":"agent/9","pull_requests":[{"number":9}]}}}`,
	})

	require.NoError(t, d.runOnce(context.Background()))
	require.Eventually(t, func() bool { return captured.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "abc123", captured.at(0).Payload["head_sha"])
	require.Equal(t, 9, captured.at(0).Payload["pr_number"])
}

func TestDeduplicatorCheckRunSuccessIsIgnored(t *testing.T) {
	d, s, bus := newTestDeduplicator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	captured := captureEvents(t, bus, eventbus.CheckRunFailed)

	mustCreate(t, s, &store.WebhookEvent{
		DeliveryID: "d7",
		EventType:  "check_run",
		Repo:       strPtr("local/repo"),
		Payload:    `{"check_run":{"head_sha":"def456","conclusion":"success","check_suite":{"head_branch":"agent/9"}}}`,
	})

	require.NoError(t, d.runOnce(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, captured.len())
}
