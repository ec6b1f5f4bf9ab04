package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts Options) Store {
		store, err := NewFileStore(filepath.Join(t.TempDir(), "queue.json"), opts)
		if err != nil {
			t.Fatalf("new file store: %v", err)
		}
		return store
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox", "queue.json")
	ctx := context.Background()
	first, err := NewFileStore(path, Options{})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := first.Insert(ctx, Entry{Box: "drive-a", ID: "item-1", Value: []byte("payload")}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	batch, err := first.PopBatch(ctx, "drive-a", 1)
	if err != nil || batch.Empty() {
		t.Fatalf("expected a leased item, got %+v err=%v", batch, err)
	}
	_ = first.Close()

	// a restarted process sees the lease and can recover it
	second, err := NewFileStore(path, Options{Now: func() time.Time { return time.Now().Add(time.Hour) }})
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	status, err := second.StatusForBox(ctx, "drive-a")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Total != 1 || status.Leased != 1 {
		t.Fatalf("expected one leased row after reopen, got %+v", status)
	}
	recovered, err := second.RecoverAbandoned(ctx, time.Minute)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered row, got %d", recovered)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no leftover temp file, got %v", err)
	}
}

func TestFileStoreRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}
	_, err := NewFileStore(path, Options{})
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestFileStoreWatchSignalsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.json")
	store, err := NewFileStore(path, Options{})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	other, err := NewFileStore(path, Options{})
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if err := other.Insert(ctx, Entry{Box: "drive-a", ID: "item-1"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	select {
	case <-changes:
	case <-ctx.Done():
		t.Fatalf("expected a change signal after insert")
	}
}
