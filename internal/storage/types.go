package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": JSON lines journal + seen snapshot next to Path
//   - "sqlite": SQLite database file (modernc, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one lifecycle stage of a shown notification.
type DeliveryEntry struct {
	At        time.Time `json:"at"`
	MessageID string    `json:"message_id"`
	ItemID    string    `json:"item_id,omitempty"`
	Stage     string    `json:"stage"`
	Priority  int       `json:"priority,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Store is the persistence API used by the notification dispatcher.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	// MarkSeen remembers messageID until the given time.
	MarkSeen(ctx context.Context, messageID string, until time.Time) error
	Seen(ctx context.Context, messageID string) (until time.Time, ok bool, err error)
	Close() error
}
