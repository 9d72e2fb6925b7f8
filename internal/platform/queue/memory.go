package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrEnqueueClosed = errors.New("queue closed")

type memoryEntry struct {
	msg       Message
	visibleAt time.Time
	inFlight  bool
}

// Memory is an in-process Queue for tests and single-node development. It
// keeps SQS semantics: receives hide a message for the visibility timeout,
// undeleted messages reappear.
type Memory struct {
	Visibility time.Duration

	mu      sync.Mutex
	entries []*memoryEntry
	nextID  int64
	closed  bool

	enqueueErr error
}

func NewMemory() *Memory {
	return &Memory{Visibility: 30 * time.Second}
}

// FailEnqueue makes subsequent Enqueue calls return err. Tests use it to
// exercise the confirm rollback path.
func (m *Memory) FailEnqueue(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueErr = err
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEnqueueClosed
	}
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	m.entries = append(m.entries, &memoryEntry{
		msg: Message{ID: id, Handle: "h-" + id, Body: body},
	})
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs := m.receiveReady(max)
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) receiveReady(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Message, 0, max)
	for _, e := range m.entries {
		if len(out) == max {
			break
		}
		if e.inFlight && now.Before(e.visibleAt) {
			continue
		}
		e.inFlight = true
		e.visibleAt = now.Add(m.Visibility)
		out = append(out, e.msg)
	}
	return out
}

func (m *Memory) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.msg.Handle == handle {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Requeue makes an in-flight message immediately receivable again,
// simulating a visibility timeout expiring.
func (m *Memory) Requeue(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.msg.Handle == handle {
			e.inFlight = false
		}
	}
}

// Len reports how many messages remain (ready or in flight).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
