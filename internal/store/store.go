package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/model"
)

// Order selects the direction of a full listing.
type Order int

const (
	// Ascending returns messages oldest first. This is the canonical order.
	Ascending Order = iota
	// Descending returns messages newest first.
	Descending
)

// ParseOrder maps the "order" query value to an Order. Empty means Ascending.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "asc":
		return Ascending, nil
	case "desc":
		return Descending, nil
	default:
		return Ascending, fmt.Errorf("invalid order %q", s)
	}
}

// Store is the append-only message log. Insertion order is the canonical
// order; every implementation assigns ID and Timestamp inside Append.
type Store interface {
	// Append validates, persists and returns the new message. It returns a
	// *model.ValidationError without touching the log, or a *StorageError
	// when the write could not be made durable.
	Append(ctx context.Context, sender, content string) (model.Message, error)
	// ListAll returns every message in the requested order.
	ListAll(ctx context.Context, order Order) ([]model.Message, error)
	// ListRecent returns at most limit of the newest messages, oldest first.
	ListRecent(ctx context.Context, limit int) ([]model.Message, error)
	Close() error
}

// StorageError reports a failed read or write against the backing medium.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is, or wraps, a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// clock hands out non-decreasing UTC timestamps so that insertion order and
// timestamp order never disagree, even if the wall clock steps backwards.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// observe raises the floor to t, used when reopening a persisted log.
func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
