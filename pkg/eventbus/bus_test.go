package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeDispatch(t *testing.T) {
	bus := New(10)
	ctx := context.Background()
	bus.Start(ctx)
	defer bus.Stop()

	var got int32
	bus.Subscribe(IssueCreated, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&got, 1)
		return nil
	})

	bus.Publish(IssueCreated, map[string]interface{}{"issue_id": "42"})
	bus.WaitUntilEmpty()

	assert.Equal(t, int32(1), atomic.LoadInt32(&got))
}

func TestWildcardSubscriberReceivesAllTypes(t *testing.T) {
	bus := New(10)
	ctx := context.Background()
	bus.Start(ctx)
	defer bus.Stop()

	var got int32
	bus.Subscribe("", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&got, 1)
		return nil
	})

	bus.Publish(IssueCreated, nil)
	bus.Publish(NudgeRequested, nil)
	bus.WaitUntilEmpty()

	assert.Equal(t, int32(2), atomic.LoadInt32(&got))
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	bus := New(1)

	block := make(chan struct{})
	bus.Subscribe(IssueCreated, func(ctx context.Context, e Event) error {
		<-block
		return nil
	})
	ctx := context.Background()
	bus.Start(ctx)
	defer func() {
		close(block)
		bus.Stop()
	}()

	bus.Publish(IssueCreated, nil)
	time.Sleep(10 * time.Millisecond) // let the consumer pick it up and block in the handler

	for i := 0; i < 5; i++ {
		bus.Publish(IssueCreated, nil)
	}
	// None of the above publishes should have blocked the test goroutine.
}

func TestHandlerErrorDoesNotAbortSiblings(t *testing.T) {
	bus := New(10)
	ctx := context.Background()
	bus.Start(ctx)
	defer bus.Stop()

	var ranSecond int32
	failing := func(ctx context.Context, e Event) error {
		return assert.AnError
	}
	bus.Subscribe(IssueCreated, failing)
	bus.Subscribe(IssueCreated, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&ranSecond, 1)
		return nil
	})

	bus.Publish(IssueCreated, nil)
	bus.WaitUntilEmpty()

	require.Equal(t, int32(1), atomic.LoadInt32(&ranSecond))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(10)
	ctx := context.Background()
	bus.Start(ctx)
	defer bus.Stop()

	var got int32
	h := func(ctx context.Context, e Event) error {
		atomic.AddInt32(&got, 1)
		return nil
	}
	bus.Subscribe(IssueCreated, h)
	bus.Unsubscribe(IssueCreated, h)

	bus.Publish(IssueCreated, nil)
	bus.WaitUntilEmpty()

	assert.Equal(t, int32(0), atomic.LoadInt32(&got))
}
