// Package mailbox implements the Long-Poll Mailbox (C6): a per-client
// ordered queue for workers that cannot accept inbound connections.
// Grounded on internal/core/broker.go's per-subscription buffered channel
// and deliverMessage select-with-timeout shape, generalized from pub/sub
// topic fan-out to a single ordered queue per client.
package mailbox

import (
	"context"
	"sync"
	"time"
)

// Message is one envelope delivered to a client (spec §3 "Mailbox message").
type Message struct {
	ID      uint64 `json:"id"`
	Sender  string `json:"sender"`
	Payload any    `json:"payload"`
}

const deliveredHistoryLimit = 100

type client struct {
	mu          sync.Mutex
	lastID      uint64
	delivered   []Message // ring buffer, trimmed to deliveredHistoryLimit
	undelivered []Message // FIFO, unbounded until consumed
	wake        chan struct{}
}

func newClient() *client {
	return &client{wake: make(chan struct{}, 1)}
}

func (c *client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Mailbox owns every client's queue. Guarded by a per-structure lock at
// the registry level, and per-client locks for the hot push/poll path —
// consistent with spec §5's "each shared resource guarded by its own
// lock, no code holds two" rule.
type Mailbox struct {
	mu      sync.Mutex
	clients map[string]*client
	timeout time.Duration
}

func New(timeout time.Duration) *Mailbox {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Mailbox{clients: make(map[string]*client), timeout: timeout}
}

func (m *Mailbox) clientFor(id string) *client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		c = newClient()
		m.clients[id] = c
	}
	return c
}

// Push enqueues a message for clientID, assigning it the next monotonic id
// for that client and waking any blocked poller (spec §4.6 push).
func (m *Mailbox) Push(clientID string, sender string, payload any) Message {
	c := m.clientFor(clientID)
	c.mu.Lock()
	c.lastID++
	msg := Message{ID: c.lastID, Sender: sender, Payload: payload}
	c.undelivered = append(c.undelivered, msg)
	c.mu.Unlock()
	c.notify()
	return msg
}

// Poll returns every undelivered message, reclassifying them as delivered and trimming the delivered history to 100 (spec
// §4.6). If none are available it suspends until a new message arrives or
// the context's deadline/long-poll timeout elapses, whichever comes
// first, returning a (possibly empty) batch.
func (m *Mailbox) Poll(ctx context.Context, clientID string) []Message {
	return m.PollSince(ctx, clientID, 0)
}

// PollSince is like Poll but returns only the undelivered messages with
// id > afterID; undelivered messages at or below afterID stay queued.
// Messages returned by an earlier poll are not returned again.
func (m *Mailbox) PollSince(ctx context.Context, clientID string, afterID uint64) []Message {
	c := m.clientFor(clientID)

	if batch := drain(c, afterID); len(batch) > 0 {
		return batch
	}

	timer := time.NewTimer(m.timeoutFor(ctx))
	defer timer.Stop()
	select {
	case <-c.wake:
		return drain(c, afterID)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (m *Mailbox) timeoutFor(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < m.timeout {
			return d
		}
	}
	return m.timeout
}

func drain(c *client, afterID uint64) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []Message
	var remaining []Message
	for _, msg := range c.undelivered {
		if msg.ID > afterID {
			batch = append(batch, msg)
		} else {
			remaining = append(remaining, msg)
		}
	}
	c.undelivered = remaining

	c.delivered = append(c.delivered, batch...)
	if len(c.delivered) > deliveredHistoryLimit {
		c.delivered = c.delivered[len(c.delivered)-deliveredHistoryLimit:]
	}
	return batch
}

// Delivered returns the bounded delivered history for one client, capped
// at 100 entries.
func (m *Mailbox) Delivered(clientID string) []Message {
	c := m.clientFor(clientID)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.delivered))
	copy(out, c.delivered)
	return out
}
