package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps the whole queue in one JSON snapshot. Every operation reloads the
// snapshot under an exclusive flock so several processes can share the file.
type FileStore struct {
	path     string
	lockPath string
	now      func() time.Time

	mu     sync.Mutex
	closed bool
}

type fileQueueState struct {
	Records []Record `json:"records"`
}

func NewFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	s := &FileStore{
		path:     filepath.Clean(path),
		lockPath: filepath.Clean(path) + ".lock",
		now:      opts.Now,
	}
	if err := s.view("open", func(rowset) {}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Insert(ctx context.Context, entry Entry) error {
	return s.update("insert", func(rows rowset) (bool, error) {
		if err := rows.insert(entry, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *FileStore) PopBatch(ctx context.Context, box string, max int) (Batch, error) {
	return s.pop(box, false, max)
}

func (s *FileStore) PopBatchAcrossBoxes(ctx context.Context, max int) (Batch, error) {
	return s.pop("", true, max)
}

func (s *FileStore) pop(box string, anyBox bool, max int) (Batch, error) {
	if err := validateMax(max); err != nil {
		return Batch{}, err
	}
	var batch Batch
	err := s.update("pop", func(rows rowset) (bool, error) {
		batch = rows.pop(box, anyBox, max, s.now())
		return !batch.Empty(), nil
	})
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (s *FileStore) CommitMarker(ctx context.Context, marker string) error {
	return s.update("commit marker", func(rows rowset) (bool, error) {
		return rows.commitMarker(marker) > 0, nil
	})
}

func (s *FileStore) CancelMarker(ctx context.Context, marker string) error {
	return s.update("cancel marker", func(rows rowset) (bool, error) {
		return rows.cancelMarker(marker) > 0, nil
	})
}

func (s *FileStore) Commit(ctx context.Context, marker string, keys ...Key) error {
	return s.update("commit", func(rows rowset) (bool, error) {
		return rows.commit(marker, keys) > 0, nil
	})
}

func (s *FileStore) Release(ctx context.Context, marker string, releases ...Release) error {
	return s.update("release", func(rows rowset) (bool, error) {
		return rows.release(marker, releases) > 0, nil
	})
}

func (s *FileStore) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	recovered := 0
	err := s.update("recover", func(rows rowset) (bool, error) {
		recovered = rows.recover(s.now().Add(-olderThan))
		return recovered > 0, nil
	})
	return recovered, err
}

func (s *FileStore) StatusForBox(ctx context.Context, box string) (Status, error) {
	var status Status
	err := s.view("status", func(rows rowset) {
		status = statusOf(rows.records(box))
	})
	return status, err
}

func (s *FileStore) Records(ctx context.Context, box string) ([]Record, error) {
	var records []Record
	err := s.view("records", func(rows rowset) {
		records = rows.records(box)
	})
	return records, err
}

func (s *FileStore) PendingBoxes(ctx context.Context) ([]string, error) {
	var boxes []string
	err := s.view("boxes", func(rows rowset) {
		boxes = rows.boxes()
	})
	return boxes, err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Watch signals whenever the snapshot file is replaced, including by other processes.
// The channel is closed when ctx ends.
func (s *FileStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("watch", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, storageErr("watch", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, storageErr("watch", err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *FileStore) update(op string, fn func(rowset) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return storageErr(op, err)
	}
	defer unlock()

	rows, err := s.load()
	if err != nil {
		return storageErr(op, err)
	}
	changed, err := fn(rows)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return storageErr(op, s.save(rows))
}

func (s *FileStore) view(op string, fn func(rowset)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return storageErr(op, err)
	}
	defer unlock()

	rows, err := s.load()
	if err != nil {
		return storageErr(op, err)
	}
	fn(rows)
	return nil
}

func (s *FileStore) load() (rowset, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rowset{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return rowset{}, nil
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return rowsetFrom(snapshot.Records), nil
}

func (s *FileStore) save(rows rowset) error {
	data, err := json.Marshal(fileQueueState{Records: rows.snapshot()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
