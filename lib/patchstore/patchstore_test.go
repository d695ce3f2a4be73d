package patchstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/rsync"
)

func openTestStore(t *testing.T) (*Store, *copystore.Store) {
	t.Helper()
	copies, err := copystore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { copies.Close() })

	s, err := Open(t.TempDir(), copies)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, copies
}

func TestAddRemoveDirectPatch(t *testing.T) {
	ctx := context.Background()
	s, copies := openTestStore(t)

	oldHash, newHash := "oldoldoldoldoldoldoldoldoldoldoo", "newnewnewnewnewnewnewnewnewnewnn"
	copies.Put(ctx, oldHash, bytes.NewReader([]byte("old")))
	copies.Put(ctx, newHash, bytes.NewReader([]byte("new")))

	const uuid = "patch-1"
	if err := s.AddDirectPatch(ctx, uuid, newHash, oldHash, 3, true, false); err != nil {
		t.Fatal(err)
	}

	e, found, err := s.Get(uuid)
	if err != nil {
		t.Fatal(err)
	}
	if !found || e.DirectCount != 1 || e.Exist {
		t.Fatalf("unexpected entry: %+v found=%v", e, found)
	}

	// Endpoint references should be held while !exist.
	oldCount, _ := copies.Refcount(oldHash)
	if oldCount != 2 {
		t.Errorf("old hash refcount = %d, want 2 (Put + synthesis hold)", oldCount)
	}

	if err := s.RemoveDirectPatch(ctx, uuid, false); err != nil {
		t.Fatal(err)
	}
	_, found, err = s.Get(uuid)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("entry should be gone once all refs are released")
	}

	oldCount, _ = copies.Refcount(oldHash)
	if oldCount != 1 {
		t.Errorf("old hash refcount = %d, want 1 after patch removal releases its hold", oldCount)
	}
}

func TestOnPatchRegisteredReleasesHold(t *testing.T) {
	ctx := context.Background()
	s, copies := openTestStore(t)

	oldHash, newHash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	copies.Put(ctx, oldHash, bytes.NewReader([]byte("a")))
	copies.Put(ctx, newHash, bytes.NewReader([]byte("b")))

	const uuid = "patch-2"
	if err := s.AddDirectPatch(ctx, uuid, newHash, oldHash, 1, true, false); err != nil {
		t.Fatal(err)
	}

	if err := s.Materialize(ctx, uuid, []byte("archive-bytes")); err != nil {
		t.Fatal(err)
	}

	e, found, err := s.Get(uuid)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !e.Exist {
		t.Fatalf("patch should exist after materialization: %+v found=%v", e, found)
	}

	oldCount, _ := copies.Refcount(oldHash)
	if oldCount != 1 {
		t.Errorf("old hash refcount = %d, want 1 after synthesis hold released", oldCount)
	}

	archive, err := s.Archive(ctx, uuid)
	if err != nil {
		t.Fatal(err)
	}
	if string(archive) != "archive-bytes" {
		t.Errorf("archive = %q, want %q", archive, "archive-bytes")
	}
}

func TestCheckPatchesSynthesizesLocally(t *testing.T) {
	ctx := context.Background()
	s, copies := openTestStore(t)

	oldData := []byte("hello world, this is the old content")
	newData := []byte("hello world, THIS is the new content, extended")

	oldBlocks, err := rsync.Signature(bytes.NewReader(oldData), 8)
	if err != nil {
		t.Fatal(err)
	}
	oldHash := rsync.ContentHash(oldBlocks)
	newBlocks, err := rsync.Signature(bytes.NewReader(newData), 8)
	if err != nil {
		t.Fatal(err)
	}
	newHash := rsync.ContentHash(newBlocks)

	copies.Put(ctx, oldHash, bytes.NewReader(oldData))
	copies.Put(ctx, newHash, bytes.NewReader(newData))

	const uuid = "patch-3"
	if err := s.AddDirectPatch(ctx, uuid, newHash, oldHash, int64(len(newData)), true, false); err != nil {
		t.Fatal(err)
	}

	requested := 0
	if err := s.CheckPatches(ctx, func(e Entry, priority int) { requested++ }); err != nil {
		t.Fatal(err)
	}
	if requested != 0 {
		t.Errorf("expected local synthesis, got %d download requests", requested)
	}

	e, found, err := s.Get(uuid)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !e.Exist {
		t.Fatalf("expected patch to be synthesized and marked exist: %+v found=%v", e, found)
	}
}

func TestCheckPatchesRequestsDownloadWhenEndpointMissing(t *testing.T) {
	ctx := context.Background()
	s, copies := openTestStore(t)

	oldHash, newHash := "ffffffffffffffffffffffffffffffff", "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	copies.Put(ctx, oldHash, bytes.NewReader([]byte("only old, new missing")))

	const uuid = "patch-4"
	if err := s.AddDirectPatch(ctx, uuid, newHash, oldHash, 10, true, false); err != nil {
		t.Fatal(err)
	}

	var gotPriority int
	requested := 0
	if err := s.CheckPatches(ctx, func(e Entry, priority int) {
		requested++
		gotPriority = priority
	}); err != nil {
		t.Fatal(err)
	}
	if requested != 1 {
		t.Fatalf("requested = %d, want 1", requested)
	}
	if gotPriority != 1000 {
		t.Errorf("priority = %d, want 1000 for an active, directly-wanted patch", gotPriority)
	}
}
