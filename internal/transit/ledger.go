package transit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/queue"
)

const reasonUndecodable = "undecodable_item"

type leasable[T any] interface {
	queueKey() queue.Key
	attemptLog() []Attempt
	withAttempt(Attempt) T
	withRecord(queue.Record) T
}

type lease[T any] struct {
	at    time.Time
	items map[queue.Key]T
}

type requeue[T any] struct {
	item    T
	nextRun time.Time
	// attempt is appended to the stored history. Nil releases without recording.
	attempt *Attempt
}

// ledger is the typed view over a queue.Store shared by the outbox and the inbox.
// It remembers the items of every lease it handed out so a marker-wide failure
// can append the reason to each item.
type ledger[T leasable[T]] struct {
	name     string
	store    queue.Store
	sink     deadletter.Sink
	logger   logrus.FieldLogger
	now      func() time.Time
	describe func(T) deadletter.Entry

	mu     sync.Mutex
	leases map[string]*lease[T]
}

func newLedger[T leasable[T]](name string, store queue.Store, sink deadletter.Sink, logger logrus.FieldLogger, now func() time.Time, describe func(T) deadletter.Entry) *ledger[T] {
	if sink == nil {
		sink = deadletter.LogSink{Logger: logger}
	}
	return &ledger[T]{
		name:     name,
		store:    store,
		sink:     sink,
		logger:   logger,
		now:      now,
		describe: describe,
		leases:   map[string]*lease[T]{},
	}
}

func (l *ledger[T]) insert(ctx context.Context, item T, priority int64, added time.Time) error {
	value, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := item.queueKey()
	return l.store.Insert(ctx, queue.Entry{
		Box:      key.Box,
		ID:       key.ID,
		Priority: priority,
		Value:    value,
		Added:    added,
	})
}

func (l *ledger[T]) pop(ctx context.Context, box string, max int) (Batch[T], error) {
	var (
		raw queue.Batch
		err error
	)
	if box == "" {
		raw, err = l.store.PopBatchAcrossBoxes(ctx, max)
	} else {
		raw, err = l.store.PopBatch(ctx, box, max)
	}
	if err != nil {
		return Batch[T]{}, err
	}
	if raw.Empty() {
		return Batch[T]{}, nil
	}

	items := make([]T, 0, len(raw.Records))
	var broken []queue.Record
	for _, rec := range raw.Records {
		var item T
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			broken = append(broken, rec)
			continue
		}
		items = append(items, item.withRecord(rec))
	}
	if len(broken) > 0 {
		l.evictBroken(ctx, raw.Marker, broken)
	}

	l.mu.Lock()
	held := &lease[T]{at: l.now(), items: make(map[queue.Key]T, len(items))}
	for _, item := range items {
		held.items[item.queueKey()] = item
	}
	if len(held.items) > 0 {
		l.leases[raw.Marker] = held
	}
	l.mu.Unlock()

	return Batch[T]{Marker: raw.Marker, Items: items}, nil
}

func (l *ledger[T]) evictBroken(ctx context.Context, marker string, records []queue.Record) {
	keys := make([]queue.Key, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key())
	}
	if err := l.store.Commit(ctx, marker, keys...); err != nil {
		l.logger.WithError(err).WithField("marker", marker).Error("failed to evict undecodable items")
		return
	}
	for _, rec := range records {
		l.record(ctx, deadletter.Entry{
			Queue:    l.name,
			Box:      rec.Box,
			ItemID:   rec.ID,
			Reason:   reasonUndecodable,
			Attempts: rec.CheckOuts,
		})
	}
}

func (l *ledger[T]) complete(ctx context.Context, marker string, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]queue.Key, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.queueKey())
	}
	if err := l.store.Commit(ctx, marker, keys...); err != nil {
		return err
	}
	l.forget(marker, keys...)
	return nil
}

func (l *ledger[T]) commitMarker(ctx context.Context, marker string) error {
	if err := l.store.CommitMarker(ctx, marker); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.leases, marker)
	l.mu.Unlock()
	return nil
}

func (l *ledger[T]) release(ctx context.Context, marker string, retries []requeue[T]) error {
	if len(retries) == 0 {
		return nil
	}
	releases := make([]queue.Release, 0, len(retries))
	keys := make([]queue.Key, 0, len(retries))
	for _, r := range retries {
		rel := queue.Release{Key: r.item.queueKey(), NextRun: r.nextRun}
		if r.attempt != nil {
			value, err := json.Marshal(r.item.withAttempt(*r.attempt))
			if err != nil {
				return err
			}
			rel.Value = value
		}
		releases = append(releases, rel)
		keys = append(keys, rel.Key)
	}
	if err := l.store.Release(ctx, marker, releases...); err != nil {
		return err
	}
	l.forget(marker, keys...)
	return nil
}

// failMarker records reason on every item this process still holds under marker
// and returns the whole lease to the queue.
func (l *ledger[T]) failMarker(ctx context.Context, marker, reason string) error {
	l.mu.Lock()
	held := l.leases[marker]
	var retries []requeue[T]
	if held != nil {
		attempt := Attempt{At: l.now().UTC(), Reason: reason, Outcome: "failed"}
		for _, item := range held.items {
			retries = append(retries, requeue[T]{item: item, attempt: &attempt})
		}
	}
	l.mu.Unlock()

	if err := l.release(ctx, marker, retries); err != nil {
		return err
	}
	if err := l.store.CancelMarker(ctx, marker); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.leases, marker)
	l.mu.Unlock()
	return nil
}

// evict removes the item for good and reports it to the dead-letter sink.
func (l *ledger[T]) evict(ctx context.Context, marker string, item T, attempt Attempt) error {
	item = item.withAttempt(attempt)
	key := item.queueKey()
	if err := l.store.Commit(ctx, marker, key); err != nil {
		return err
	}
	l.forget(marker, key)
	entry := deadletter.Entry{}
	if l.describe != nil {
		entry = l.describe(item)
	}
	entry.Queue = l.name
	entry.Box = key.Box
	entry.ItemID = key.ID
	entry.Reason = attempt.Reason
	entry.Attempts = len(item.attemptLog())
	entry.At = attempt.At
	l.record(ctx, entry)
	return nil
}

func (l *ledger[T]) record(ctx context.Context, entry deadletter.Entry) {
	if err := l.sink.Record(ctx, entry); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"queue":   entry.Queue,
			"box":     entry.Box,
			"item_id": entry.ItemID,
		}).Warn("dead-letter sink rejected entry")
	}
}

func (l *ledger[T]) recoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	recovered, err := l.store.RecoverAbandoned(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	cutoff := l.now().Add(-olderThan)
	l.mu.Lock()
	for marker, held := range l.leases {
		if held.at.Before(cutoff) {
			delete(l.leases, marker)
		}
	}
	l.mu.Unlock()
	return recovered, nil
}

func (l *ledger[T]) forget(marker string, keys ...queue.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.leases[marker]
	if held == nil {
		return
	}
	for _, key := range keys {
		delete(held.items, key)
	}
	if len(held.items) == 0 {
		delete(l.leases, marker)
	}
}

func (l *ledger[T]) items(ctx context.Context, box string) ([]T, error) {
	records, err := l.store.Records(ctx, box)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var item T
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			continue
		}
		out = append(out, item.withRecord(rec))
	}
	return out, nil
}
