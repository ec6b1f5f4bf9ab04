package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeOpener func(t *testing.T, opts Options) Store

func runStoreContract(t *testing.T, open storeOpener) {
	t.Helper()

	newStore := func(t *testing.T) (Store, *fakeClock) {
		clock := newFakeClock()
		store := open(t, Options{Name: "contract_queue", Now: clock.Now})
		t.Cleanup(func() { _ = store.Close() })
		return store, clock
	}

	t.Run("duplicate insert", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, Entry{Box: "drive-a", ID: "item-1", Value: []byte("x")}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		err := store.Insert(ctx, Entry{Box: "drive-a", ID: "item-1", Value: []byte("y")})
		if !errors.Is(err, ErrDuplicateItem) {
			t.Fatalf("expected duplicate item error, got %v", err)
		}
		var dup *DuplicateItemError
		if !errors.As(err, &dup) || dup.ID != "item-1" {
			t.Fatalf("expected DuplicateItemError for item-1, got %#v", err)
		}
		if err := store.Insert(ctx, Entry{Box: "drive-b", ID: "item-1"}); err != nil {
			t.Fatalf("same id in another box should insert: %v", err)
		}
		if err := store.Insert(ctx, Entry{Box: " ", ID: "item-2"}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for blank box, got %v", err)
		}
	})

	t.Run("priority ordering", func(t *testing.T) {
		store, clock := newStore(t)
		ctx := context.Background()
		for _, priority := range []int64{5, 1, 3} {
			clock.Advance(time.Millisecond)
			entry := Entry{Box: "drive-a", ID: fmt.Sprintf("p%d", priority), Priority: priority}
			if err := store.Insert(ctx, entry); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		batch, err := store.PopBatch(ctx, "drive-a", 3)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		if len(batch.Records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(batch.Records))
		}
		got := []int64{batch.Records[0].Priority, batch.Records[1].Priority, batch.Records[2].Priority}
		if got[0] != 1 || got[1] != 3 || got[2] != 5 {
			t.Fatalf("expected priorities [1 3 5], got %v", got)
		}
		if batch.Marker == "" {
			t.Fatalf("expected a marker on a non-empty batch")
		}
	})

	t.Run("enqueue order breaks priority ties", func(t *testing.T) {
		store, clock := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			clock.Advance(time.Millisecond)
			if err := store.Insert(ctx, Entry{Box: "drive-a", ID: id, Priority: 1}); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		batch, err := store.PopBatch(ctx, "drive-a", 2)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		if len(batch.Records) != 2 || batch.Records[0].ID != "c" || batch.Records[1].ID != "a" {
			t.Fatalf("expected [c a], got %+v", batch.Records)
		}
	})

	t.Run("empty pop", func(t *testing.T) {
		store, _ := newStore(t)
		batch, err := store.PopBatch(context.Background(), "nothing-here", 10)
		if err != nil {
			t.Fatalf("expected no error on empty pop, got %v", err)
		}
		if !batch.Empty() || batch.Marker != "" {
			t.Fatalf("expected empty batch, got %+v", batch)
		}
		if _, err := store.PopBatch(context.Background(), "nothing-here", 0); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for max=0, got %v", err)
		}
	})

	t.Run("concurrent pops never overlap", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		const total = 24
		for i := 0; i < total; i++ {
			if err := store.Insert(ctx, Entry{Box: "drive-a", ID: fmt.Sprintf("item-%02d", i), Priority: int64(i % 3)}); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		var (
			mu   sync.Mutex
			seen = map[string]string{}
			wg   sync.WaitGroup
			errs = make(chan error, 8)
		)
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := store.PopBatch(ctx, "drive-a", 2)
					if err != nil {
						errs <- err
						return
					}
					if batch.Empty() {
						return
					}
					mu.Lock()
					for _, record := range batch.Records {
						if previous, ok := seen[record.ID]; ok {
							mu.Unlock()
							errs <- fmt.Errorf("item %s leased twice (markers %s and %s)", record.ID, previous, batch.Marker)
							return
						}
						seen[record.ID] = batch.Marker
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent pop failed: %v", err)
		}
		if len(seen) != total {
			t.Fatalf("expected %d distinct leased items, got %d", total, len(seen))
		}
	})

	t.Run("commit marker is idempotent", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if err := store.Insert(ctx, Entry{Box: "drive-a", ID: fmt.Sprintf("item-%d", i)}); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		batch, err := store.PopBatch(ctx, "drive-a", 10)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := store.CommitMarker(ctx, batch.Marker); err != nil {
				t.Fatalf("commit %d failed: %v", i, err)
			}
		}
		if err := store.CommitMarker(ctx, "unknown-marker"); err != nil {
			t.Fatalf("commit of unknown marker should be a no-op, got %v", err)
		}
		status, err := store.StatusForBox(ctx, "drive-a")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Total != 0 {
			t.Fatalf("expected empty box after commit, got %+v", status)
		}
		boxes, err := store.PendingBoxes(ctx)
		if err != nil {
			t.Fatalf("pending boxes failed: %v", err)
		}
		if len(boxes) != 0 {
			t.Fatalf("expected no pending boxes, got %v", boxes)
		}
	})

	t.Run("cancel marker requeues", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, Entry{Box: "drive-a", ID: "item-1", Value: []byte("payload")}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		first, err := store.PopBatch(ctx, "drive-a", 1)
		if err != nil || len(first.Records) != 1 {
			t.Fatalf("expected one record, got %+v err=%v", first, err)
		}
		again, err := store.PopBatch(ctx, "drive-a", 1)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		if !again.Empty() {
			t.Fatalf("leased item must not be popped twice, got %+v", again.Records)
		}
		if err := store.CancelMarker(ctx, first.Marker); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		second, err := store.PopBatch(ctx, "drive-a", 1)
		if err != nil || len(second.Records) != 1 {
			t.Fatalf("expected item to be poppable after cancel, got %+v err=%v", second, err)
		}
		if second.Records[0].CheckOuts != 2 {
			t.Fatalf("expected checkouts=2, got %d", second.Records[0].CheckOuts)
		}
		if second.Marker == first.Marker {
			t.Fatalf("expected a fresh marker per pop")
		}
	})

	t.Run("recover abandoned leases", func(t *testing.T) {
		store, clock := newStore(t)
		ctx := context.Background()
		payload := []byte{0x00, 0x01, 0xfe, 'o', 'k'}
		if err := store.Insert(ctx, Entry{Box: "drive-a", ID: "item-1", Value: payload}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		batch, err := store.PopBatch(ctx, "drive-a", 1)
		if err != nil || batch.Empty() {
			t.Fatalf("expected a leased item, got %+v err=%v", batch, err)
		}

		clock.Advance(2 * time.Minute)
		recovered, err := store.RecoverAbandoned(ctx, 5*time.Minute)
		if err != nil {
			t.Fatalf("recover failed: %v", err)
		}
		if recovered != 0 {
			t.Fatalf("lease younger than threshold must stay, recovered %d", recovered)
		}

		clock.Advance(4 * time.Minute)
		recovered, err = store.RecoverAbandoned(ctx, 5*time.Minute)
		if err != nil {
			t.Fatalf("recover failed: %v", err)
		}
		if recovered != 1 {
			t.Fatalf("expected 1 recovered item, got %d", recovered)
		}
		again, err := store.PopBatch(ctx, "drive-a", 1)
		if err != nil || len(again.Records) != 1 {
			t.Fatalf("expected recovered item to be poppable, got %+v err=%v", again, err)
		}
		if !bytes.Equal(again.Records[0].Value, payload) {
			t.Fatalf("expected payload %v, got %v", payload, again.Records[0].Value)
		}

		// the crashed worker's late commit must not remove the re-leased row
		if err := store.CommitMarker(ctx, batch.Marker); err != nil {
			t.Fatalf("stale commit failed: %v", err)
		}
		status, err := store.StatusForBox(ctx, "drive-a")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Total != 1 || status.Leased != 1 {
			t.Fatalf("expected 1 leased row after stale commit, got %+v", status)
		}
	})

	t.Run("per item commit and release", func(t *testing.T) {
		store, clock := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			clock.Advance(time.Millisecond)
			if err := store.Insert(ctx, Entry{Box: "drive-a", ID: fmt.Sprintf("item-%d", i), Value: []byte("v1")}); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		batch, err := store.PopBatch(ctx, "drive-a", 3)
		if err != nil || len(batch.Records) != 3 {
			t.Fatalf("expected 3 records, got %+v err=%v", batch, err)
		}
		if err := store.Commit(ctx, batch.Marker, Key{Box: "drive-a", ID: "item-0"}); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		retryAt := clock.Now().Add(time.Minute)
		err = store.Release(ctx, batch.Marker, Release{
			Key:     Key{Box: "drive-a", ID: "item-1"},
			NextRun: retryAt,
			Value:   []byte("v2"),
		})
		if err != nil {
			t.Fatalf("release failed: %v", err)
		}

		status, err := store.StatusForBox(ctx, "drive-a")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Total != 2 || status.Leased != 1 {
			t.Fatalf("expected total=2 leased=1, got %+v", status)
		}
		if !status.NextRun.Equal(retryAt) {
			t.Fatalf("expected next run %s, got %s", retryAt, status.NextRun)
		}

		early, err := store.PopBatch(ctx, "drive-a", 3)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		if !early.Empty() {
			t.Fatalf("released item must wait for its next run, got %+v", early.Records)
		}

		clock.Advance(2 * time.Minute)
		later, err := store.PopBatch(ctx, "drive-a", 3)
		if err != nil || len(later.Records) != 1 {
			t.Fatalf("expected the released item, got %+v err=%v", later, err)
		}
		if later.Records[0].ID != "item-1" || string(later.Records[0].Value) != "v2" {
			t.Fatalf("expected item-1 with rewritten value, got %+v", later.Records[0])
		}

		records, err := store.Records(ctx, "drive-a")
		if err != nil {
			t.Fatalf("records failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
	})

	t.Run("status and pending boxes", func(t *testing.T) {
		store, clock := newStore(t)
		ctx := context.Background()
		first := clock.Now()
		if err := store.Insert(ctx, Entry{Box: "drive-b", ID: "b1"}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		clock.Advance(time.Second)
		if err := store.Insert(ctx, Entry{Box: "drive-b", ID: "b2"}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := store.Insert(ctx, Entry{Box: "drive-a", ID: "a1"}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if _, err := store.PopBatch(ctx, "drive-b", 1); err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		status, err := store.StatusForBox(ctx, "drive-b")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.Total != 2 || status.Leased != 1 || status.Pending() != 1 {
			t.Fatalf("unexpected status %+v", status)
		}
		if !status.Oldest.Equal(first) {
			t.Fatalf("expected oldest %s, got %s", first, status.Oldest)
		}
		boxes, err := store.PendingBoxes(ctx)
		if err != nil {
			t.Fatalf("pending boxes failed: %v", err)
		}
		if len(boxes) != 2 || boxes[0] != "drive-a" || boxes[1] != "drive-b" {
			t.Fatalf("expected [drive-a drive-b], got %v", boxes)
		}
	})

	t.Run("pop across boxes", func(t *testing.T) {
		store, clock := newStore(t)
		ctx := context.Background()
		if err := store.Insert(ctx, Entry{Box: "drive-a", ID: "a1", Priority: 2}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		clock.Advance(time.Millisecond)
		if err := store.Insert(ctx, Entry{Box: "drive-b", ID: "b1", Priority: 1}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		batch, err := store.PopBatchAcrossBoxes(ctx, 5)
		if err != nil {
			t.Fatalf("pop failed: %v", err)
		}
		if len(batch.Records) != 2 || batch.Records[0].Box != "drive-b" {
			t.Fatalf("expected drive-b first across boxes, got %+v", batch.Records)
		}
		if err := store.CommitMarker(ctx, batch.Marker); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		for _, box := range []string{"drive-a", "drive-b"} {
			status, err := store.StatusForBox(ctx, box)
			if err != nil {
				t.Fatalf("status failed: %v", err)
			}
			if status.Total != 0 {
				t.Fatalf("expected %s empty, got %+v", box, status)
			}
		}
	})
}
