package store

import (
	"context"
	"strconv"
	"sync"

	"chatrelay/internal/model"
)

// Memory keeps the log in process memory. Durability is scoped to the
// process lifetime.
type Memory struct {
	mu    sync.RWMutex
	msgs  []model.Message
	seq   uint64
	clock *clock
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{clock: newClock()}
}

func (m *Memory) Append(_ context.Context, sender, content string) (model.Message, error) {
	if err := model.Validate(model.Draft{Sender: sender, Content: content}); err != nil {
		return model.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg := model.Message{
		ID:        strconv.FormatUint(m.seq, 10),
		Sender:    sender,
		Content:   content,
		Timestamp: m.clock.next(),
	}
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *Memory) ListAll(_ context.Context, order Order) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Message, 0, len(m.msgs))
	if order == Descending {
		for i := len(m.msgs) - 1; i >= 0; i-- {
			out = append(out, m.msgs[i])
		}
		return out, nil
	}
	return append(out, m.msgs...), nil
}

func (m *Memory) ListRecent(_ context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start := len(m.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, len(m.msgs)-start)
	copy(out, m.msgs[start:])
	return out, nil
}

func (m *Memory) Close() error { return nil }
