package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/peertransit/internal/notify"
)

const (
	QueueOutbox = "outbox"
	QueueInbox  = "inbox"
)

// Entry describes an item that left a queue without being delivered or applied.
type Entry struct {
	Queue         string    `json:"queue"`
	Box           string    `json:"box"`
	ItemID        string    `json:"itemId"`
	Peer          string    `json:"peer,omitempty"`
	FileID        string    `json:"fileId,omitempty"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	CorrelationID string    `json:"correlationId,omitempty"`
	At            time.Time `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// Lister is implemented by sinks that can show operators what was dropped.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

func stamp(entry Entry) Entry {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	return entry
}

type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) Record(ctx context.Context, entry Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry = stamp(entry)
	logger.WithFields(logrus.Fields{
		"queue":          entry.Queue,
		"box":            entry.Box,
		"item_id":        entry.ItemID,
		"peer":           entry.Peer,
		"reason":         entry.Reason,
		"attempts":       entry.Attempts,
		"correlation_id": entry.CorrelationID,
	}).Error("transfer dead-lettered")
	return nil
}

// MemorySink keeps the most recent entries in a fixed-size ring.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{entries: make([]Entry, capacity)}
}

func (s *MemorySink) Record(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = stamp(entry)
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Recent returns newest first.
func (s *MemorySink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := s.next
	if s.full {
		size = len(s.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Entry, 0, limit)
	idx := s.next
	for len(out) < limit {
		idx--
		if idx < 0 {
			idx = len(s.entries) - 1
		}
		out = append(out, s.entries[idx])
	}
	return out, nil
}

// EventSink mirrors dead letters onto the notification bus.
type EventSink struct {
	Publisher notify.Publisher
}

func (s EventSink) Record(ctx context.Context, entry Entry) error {
	if s.Publisher == nil {
		return nil
	}
	return s.Publisher.Publish(ctx, notify.NewEvent(notify.EventTransferFailed, stamp(entry)))
}

// Multi records into every sink and reports the first failure.
type Multi []Sink

func (m Multi) Record(ctx context.Context, entry Entry) error {
	entry = stamp(entry)
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recent reads from the first sink that can list.
func (m Multi) Recent(ctx context.Context, limit int) ([]Entry, error) {
	for _, sink := range m {
		if lister, ok := sink.(Lister); ok {
			return lister.Recent(ctx, limit)
		}
	}
	return nil, nil
}
