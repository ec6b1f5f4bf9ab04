package drivefs

import (
	"context"
	"errors"
	"testing"

	"github.com/agentworkforce/peertransit/internal/transit"
)

func TestStoreRoundTripsFilesAndTempFiles(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	ref := transit.FileRef{DriveID: "drive-a", FileID: "doc-1"}
	file := transit.StoredFile{Header: transit.FileHeader{Name: "report.txt", AllowDistribution: true}, Payload: []byte("hello")}

	if err := store.WriteOrUpdateFile(ctx, ref, file); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := store.ReadFile(ctx, ref)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got.Payload) != "hello" || got.Header.File != ref || got.Header.Size != 5 {
		t.Fatalf("unexpected file %+v", got)
	}
	if _, err := store.ReadTempFile(ctx, ref); !errors.Is(err, transit.ErrFileNotFound) {
		t.Fatalf("expected temp area to be separate, got %v", err)
	}

	if err := store.WriteTempFile(ctx, ref, file); err != nil {
		t.Fatalf("write temp failed: %v", err)
	}
	if err := store.DeleteTempFile(ctx, ref); err != nil {
		t.Fatalf("delete temp failed: %v", err)
	}
	if err := store.DeleteTempFile(ctx, ref); err != nil {
		t.Fatalf("expected repeated delete to succeed, got %v", err)
	}

	ids, err := store.List(ctx, "drive-a")
	if err != nil || len(ids) != 1 || ids[0] != "doc-1" {
		t.Fatalf("expected [doc-1], got %v err=%v", ids, err)
	}
	if err := store.DeleteFile(ctx, ref); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.ReadFile(ctx, ref); !errors.Is(err, transit.ErrFileNotFound) {
		t.Fatalf("expected file not found, got %v", err)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	store, _ := New(t.TempDir())
	ctx := context.Background()
	for _, ref := range []transit.FileRef{
		{DriveID: "..", FileID: "x"},
		{DriveID: "d", FileID: "../escape"},
		{DriveID: "d", FileID: ""},
	} {
		if err := store.WriteOrUpdateFile(ctx, ref, transit.StoredFile{}); !errors.Is(err, transit.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", ref, err)
		}
	}
}

func TestCreateNewFileIDIsUnique(t *testing.T) {
	store, _ := New(t.TempDir())
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ref, err := store.CreateNewFileID(ctx, "drive-a")
		if err != nil {
			t.Fatalf("allocate failed: %v", err)
		}
		if ref.DriveID != "drive-a" || seen[ref.FileID] {
			t.Fatalf("unexpected ref %+v", ref)
		}
		seen[ref.FileID] = true
	}
	if _, err := store.CreateNewFileID(ctx, ""); !errors.Is(err, transit.ErrInvalidInput) {
		t.Fatalf("expected invalid drive to fail, got %v", err)
	}
}

func TestFileSystemsUseSeparateAreas(t *testing.T) {
	store, _ := New(t.TempDir())
	ctx := context.Background()
	comments, err := store.ResolveFileSystem(transit.FileSystemComment)
	if err != nil {
		t.Fatalf("resolve comment file system: %v", err)
	}
	ref := transit.FileRef{DriveID: "drive-a", FileID: "gt-1"}
	if err := store.WriteOrUpdateFile(ctx, ref, transit.StoredFile{Payload: []byte("standard body")}); err != nil {
		t.Fatalf("standard write failed: %v", err)
	}
	if err := comments.WriteOrUpdateFile(ctx, ref, transit.StoredFile{Payload: []byte("comment body")}); err != nil {
		t.Fatalf("comment write failed: %v", err)
	}

	standard, err := store.ReadFile(ctx, ref)
	if err != nil || string(standard.Payload) != "standard body" {
		t.Fatalf("expected standard file kept, got %+v err=%v", standard, err)
	}
	comment, err := comments.ReadFile(ctx, ref)
	if err != nil || string(comment.Payload) != "comment body" {
		t.Fatalf("expected comment file kept, got %+v err=%v", comment, err)
	}
	if err := comments.DeleteFile(ctx, ref); err != nil {
		t.Fatalf("comment delete failed: %v", err)
	}
	if _, err := store.ReadFile(ctx, ref); err != nil {
		t.Fatalf("expected standard file to survive comment delete, got %v", err)
	}
	if _, err := store.ResolveFileSystem("blob"); !errors.Is(err, transit.ErrInvalidInput) {
		t.Fatalf("expected unknown file system to be invalid, got %v", err)
	}
}

func TestFindByGlobalTransitID(t *testing.T) {
	store, _ := New(t.TempDir())
	ctx := context.Background()
	local := transit.FileRef{DriveID: "drive-a", FileID: "local-1"}
	fromAlice := transit.FileRef{DriveID: "drive-a", FileID: "received-1"}
	fromCarol := transit.FileRef{DriveID: "drive-a", FileID: "received-2"}
	_ = store.WriteOrUpdateFile(ctx, local, transit.StoredFile{Payload: []byte("mine")})
	_ = store.WriteOrUpdateFile(ctx, fromAlice, transit.StoredFile{Header: transit.FileHeader{Sender: "alice.example", GlobalTransitID: "gt-1"}})
	_ = store.WriteOrUpdateFile(ctx, fromCarol, transit.StoredFile{Header: transit.FileHeader{Sender: "carol.example", GlobalTransitID: "gt-1"}})

	found, err := store.FindByGlobalTransitID(ctx, "drive-a", "gt-1")
	if err != nil || len(found) != 2 {
		t.Fatalf("expected both received copies, got %d err=%v", len(found), err)
	}
	senders := map[string]transit.FileRef{}
	for _, f := range found {
		senders[f.Header.Sender] = f.Header.File
	}
	if senders["alice.example"] != fromAlice || senders["carol.example"] != fromCarol {
		t.Fatalf("unexpected matches %+v", senders)
	}

	found, err = store.FindByGlobalTransitID(ctx, "drive-a", "local-1")
	if err != nil || len(found) != 1 || found[0].Header.Sender != "" {
		t.Fatalf("expected local file to answer to its own id, got %+v err=%v", found, err)
	}
	found, err = store.FindByGlobalTransitID(ctx, "drive-b", "gt-1")
	if err != nil || len(found) != 0 {
		t.Fatalf("expected no matches on an empty drive, got %+v err=%v", found, err)
	}
}
