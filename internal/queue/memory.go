package queue

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	now func() time.Time

	mu     sync.Mutex
	rows   rowset
	closed bool
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		now:  opts.Now,
		rows: rowset{},
	}
}

func (s *MemoryStore) Insert(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.rows.insert(entry, s.now())
}

func (s *MemoryStore) PopBatch(ctx context.Context, box string, max int) (Batch, error) {
	if err := validateMax(max); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Batch{}, ErrClosed
	}
	return s.rows.pop(box, false, max, s.now()), nil
}

func (s *MemoryStore) PopBatchAcrossBoxes(ctx context.Context, max int) (Batch, error) {
	if err := validateMax(max); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Batch{}, ErrClosed
	}
	return s.rows.pop("", true, max, s.now()), nil
}

func (s *MemoryStore) CommitMarker(ctx context.Context, marker string) error {
	return s.mutate(func(rows rowset) { rows.commitMarker(marker) })
}

func (s *MemoryStore) CancelMarker(ctx context.Context, marker string) error {
	return s.mutate(func(rows rowset) { rows.cancelMarker(marker) })
}

func (s *MemoryStore) Commit(ctx context.Context, marker string, keys ...Key) error {
	return s.mutate(func(rows rowset) { rows.commit(marker, keys) })
}

func (s *MemoryStore) Release(ctx context.Context, marker string, releases ...Release) error {
	return s.mutate(func(rows rowset) { rows.release(marker, releases) })
}

func (s *MemoryStore) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.rows.recover(s.now().Add(-olderThan)), nil
}

func (s *MemoryStore) StatusForBox(ctx context.Context, box string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Status{}, ErrClosed
	}
	return statusOf(s.rows.records(box)), nil
}

func (s *MemoryStore) Records(ctx context.Context, box string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.rows.records(box), nil
}

func (s *MemoryStore) PendingBoxes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.rows.boxes(), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) mutate(fn func(rowset)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn(s.rows)
	return nil
}
