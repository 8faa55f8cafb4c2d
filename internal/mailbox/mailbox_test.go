package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAssignsMonotonicIDsPerClient(t *testing.T) {
	m := New(time.Second)

	msg1 := m.Push("client-1", "node-a", "hello")
	msg2 := m.Push("client-1", "node-a", "world")
	assert.Equal(t, uint64(1), msg1.ID)
	assert.Equal(t, uint64(2), msg2.ID)

	// a second client's ids are independent of the first's.
	other := m.Push("client-2", "node-a", "first")
	assert.Equal(t, uint64(1), other.ID)
}

func TestPollSinceReturnsOnlyMessagesAfterGivenID(t *testing.T) {
	m := New(time.Second)
	m.Push("client-1", "node-a", "one")
	m.Push("client-1", "node-a", "two")
	m.Push("client-1", "node-a", "three")

	batch := m.PollSince(context.Background(), "client-1", 1)
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(2), batch[0].ID)
	assert.Equal(t, uint64(3), batch[1].ID)
}

func TestPollDeliversMessagesInPushOrder(t *testing.T) {
	m := New(time.Second)
	for i := 0; i < 5; i++ {
		m.Push("client-1", "node-a", i)
	}

	batch := m.Poll(context.Background(), "client-1")
	require.Len(t, batch, 5)
	for i, msg := range batch {
		assert.Equal(t, i, msg.Payload)
	}
}

func TestPollBlocksUntilPushWakesIt(t *testing.T) {
	m := New(5 * time.Second)
	done := make(chan []Message, 1)

	go func() {
		done <- m.Poll(context.Background(), "client-1")
	}()

	time.Sleep(20 * time.Millisecond) // let the poller reach its blocking select
	m.Push("client-1", "node-a", "late")

	select {
	case batch := <-done:
		require.Len(t, batch, 1)
		assert.Equal(t, "late", batch[0].Payload)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake on push")
	}
}

func TestPollReturnsEmptyOnTimeoutWithNoMessages(t *testing.T) {
	m := New(20 * time.Millisecond)
	batch := m.Poll(context.Background(), "client-1")
	assert.Empty(t, batch)
}

func TestPollRespectsContextCancellation(t *testing.T) {
	m := New(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []Message, 1)
	go func() { done <- m.Poll(ctx, "client-1") }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case batch := <-done:
		assert.Empty(t, batch)
	case <-time.After(time.Second):
		t.Fatal("poll did not return after context cancellation")
	}
}

func TestDeliveredHistoryIsBoundedTo100(t *testing.T) {
	m := New(time.Second)
	for i := 0; i < 150; i++ {
		m.Push("client-1", "node-a", i)
	}
	m.Poll(context.Background(), "client-1")

	delivered := m.Delivered("client-1")
	require.Len(t, delivered, 100)
	// the oldest 50 pushes should have been trimmed off the front.
	assert.Equal(t, 50, delivered[0].Payload)
	assert.Equal(t, 149, delivered[len(delivered)-1].Payload)
}
