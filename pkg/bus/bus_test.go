package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, ch <-chan Message[string, int]) Message[string, int] {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message[string, int]{}
	}
}

func TestKeyAndGlobalDelivery(t *testing.T) {
	b := NewBus[string, int](zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	<-b.Ready()

	all := b.Subscribe(ctx)
	onA := b.Subscribe(ctx, "a")

	pub := b.CreatePublisher("a")
	pub(ctx, 1)
	assert.Equal(t, Message[string, int]{Key: "a", Message: 1}, receive(t, all))
	assert.Equal(t, Message[string, int]{Key: "a", Message: 1}, receive(t, onA))

	// Key subscribers only see their own key; the global one sees everything.
	b.Publish(ctx, "b", 2)
	assert.Equal(t, Message[string, int]{Key: "b", Message: 2}, receive(t, all))
}

func TestCancelledSubscriberDoesNotBlockDelivery(t *testing.T) {
	b := NewBus[string, int](zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	<-b.Ready()

	// Abandoned subscriptions: nothing ever reads these channels.
	subCtx, subCancel := context.WithCancel(ctx)
	b.Subscribe(subCtx, "a")
	b.Subscribe(subCtx)
	subCancel()

	live := b.Subscribe(ctx, "a")
	for i := 0; i < 10; i++ {
		b.Publish(ctx, "a", i)
		assert.Equal(t, i, receive(t, live).Message)
	}
}
