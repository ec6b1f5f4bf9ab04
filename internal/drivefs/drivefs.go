// Package drivefs keeps drive files as JSON documents under a root directory.
package drivefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/peertransit/internal/transit"
)

const (
	filesDir = "files"
	tempDir  = "tmp"
)

// Store implements transit.DriveStorage on the local filesystem. The standard
// file system lives directly under the drive; every other file system gets its
// own subtree:
//
//	<root>/<drive>/files/<file>.json
//	<root>/<drive>/tmp/<file>.json
//	<root>/<drive>/comment/files/<file>.json
type Store struct {
	root   string
	system string
	mu     *sync.RWMutex
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("drive root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, mu: &sync.RWMutex{}}, nil
}

func (s *Store) Root() string {
	return s.root
}

// ResolveFileSystem returns a view of the same root scoped to one file system.
func (s *Store) ResolveFileSystem(t transit.FileSystemType) (transit.DriveStorage, error) {
	switch t {
	case "", transit.FileSystemStandard:
		return &Store{root: s.root, mu: s.mu}, nil
	case transit.FileSystemComment:
		return &Store{root: s.root, system: string(t), mu: s.mu}, nil
	}
	return nil, fmt.Errorf("%w: unknown file system %q", transit.ErrInvalidInput, t)
}

// FindByGlobalTransitID scans the drive's file headers.
func (s *Store) FindByGlobalTransitID(ctx context.Context, driveID, globalID string) ([]transit.StoredFile, error) {
	ids, err := s.List(ctx, driveID)
	if err != nil {
		return nil, err
	}
	var out []transit.StoredFile
	for _, id := range ids {
		file, err := s.ReadFile(ctx, transit.FileRef{DriveID: driveID, FileID: id})
		if errors.Is(err, transit.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if file.Header.TransitID() == globalID {
			out = append(out, file)
		}
	}
	return out, nil
}

func (s *Store) ReadFile(ctx context.Context, ref transit.FileRef) (transit.StoredFile, error) {
	return s.read(ctx, filesDir, ref)
}

func (s *Store) WriteOrUpdateFile(ctx context.Context, ref transit.FileRef, file transit.StoredFile) error {
	return s.write(ctx, filesDir, ref, file)
}

func (s *Store) DeleteFile(ctx context.Context, ref transit.FileRef) error {
	return s.remove(ctx, filesDir, ref)
}

func (s *Store) WriteTempFile(ctx context.Context, ref transit.FileRef, file transit.StoredFile) error {
	return s.write(ctx, tempDir, ref, file)
}

func (s *Store) ReadTempFile(ctx context.Context, ref transit.FileRef) (transit.StoredFile, error) {
	return s.read(ctx, tempDir, ref)
}

func (s *Store) DeleteTempFile(ctx context.Context, ref transit.FileRef) error {
	return s.remove(ctx, tempDir, ref)
}

// CreateNewFileID allocates an id that is unused in both the file and temp areas.
func (s *Store) CreateNewFileID(ctx context.Context, driveID string) (transit.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return transit.FileRef{}, err
	}
	if err := checkSegment(driveID); err != nil {
		return transit.FileRef{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		ref := transit.FileRef{DriveID: driveID, FileID: uuid.NewString()}
		if !s.exists(filesDir, ref) && !s.exists(tempDir, ref) {
			return ref, nil
		}
	}
}

// List returns the file ids stored on a drive, excluding temp files.
func (s *Store) List(ctx context.Context, driveID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkSegment(driveID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.root, driveID, s.system, filesDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) read(ctx context.Context, area string, ref transit.FileRef) (transit.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return transit.StoredFile{}, err
	}
	path, err := s.path(area, ref)
	if err != nil {
		return transit.StoredFile{}, err
	}
	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return transit.StoredFile{}, fmt.Errorf("%w: %s", transit.ErrFileNotFound, ref)
	}
	if err != nil {
		return transit.StoredFile{}, err
	}
	var file transit.StoredFile
	if err := json.Unmarshal(data, &file); err != nil {
		return transit.StoredFile{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	file.Header.File = ref
	return file, nil
}

func (s *Store) write(ctx context.Context, area string, ref transit.FileRef, file transit.StoredFile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(area, ref)
	if err != nil {
		return err
	}
	file.Header.File = ref
	if file.Header.Size == 0 {
		file.Header.Size = int64(len(file.Payload))
	}
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func (s *Store) remove(ctx context.Context, area string, ref transit.FileRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(area, ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) exists(area string, ref transit.FileRef) bool {
	_, err := os.Stat(filepath.Join(s.root, ref.DriveID, s.system, area, ref.FileID+".json"))
	return err == nil
}

func (s *Store) path(area string, ref transit.FileRef) (string, error) {
	if err := checkSegment(ref.DriveID); err != nil {
		return "", err
	}
	if err := checkSegment(ref.FileID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, ref.DriveID, s.system, area, ref.FileID+".json"), nil
}

func checkSegment(v string) error {
	v = strings.TrimSpace(v)
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, ".") {
		return fmt.Errorf("%w: invalid path segment %q", transit.ErrInvalidInput, v)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
