package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	journal  []DeliveryEntry
	maxItems int
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{seen: map[string]time.Time{}, maxItems: 1000}
}

func (m *Memory) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.journal = append(m.journal, e)
	if len(m.journal) > m.maxItems {
		m.journal = m.journal[len(m.journal)-m.maxItems:]
	}
	return nil
}

func (m *Memory) MarkSeen(ctx context.Context, messageID string, until time.Time) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seen[messageID] = until
	return nil
}

func (m *Memory) Seen(ctx context.Context, messageID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := m.seen[strings.TrimSpace(messageID)]
	if ok && until.Before(time.Now()) {
		delete(m.seen, messageID)
		return time.Time{}, false, nil
	}
	return until, ok, nil
}

// Journal returns a copy of the recorded deliveries.
func (m *Memory) Journal() []DeliveryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryEntry(nil), m.journal...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
