package quiet

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pvtsync/pvtsync/lib/copystore"
	"github.com/pvtsync/pvtsync/lib/eventdb"
)

func newTestProcessor(t *testing.T) (*Processor, string) {
	t.Helper()
	root := t.TempDir()
	events, err := eventdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { events.Close() })
	copies, err := copystore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { copies.Close() })
	return New(root, events, copies), root
}

func TestCreateFromCopyWritesContent(t *testing.T) {
	ctx := context.Background()
	p, root := newTestProcessor(t)

	const hash = "deadbeefdeadbeefdeadbeefdeadbeef"
	if err := p.Copies.Put(ctx, hash, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatal(err)
	}

	if err := p.CreateFromCopy(ctx, "a.txt", hash, ""); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q, want payload", data)
	}
}

func TestCreateFromCopyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, root := newTestProcessor(t)

	const hash = "deadbeefdeadbeefdeadbeefdeadbeef"
	if err := p.Copies.Put(ctx, hash, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateFromCopy(ctx, "a.txt", hash, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateFromCopy(ctx, "a.txt", hash, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(root, "a.txt")); err != nil {
		t.Fatal(err)
	}
}

func TestApplyDeleteIsIdempotent(t *testing.T) {
	p, root := newTestProcessor(t)
	full := filepath.Join(root, "b.txt")
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.ApplyDelete("b.txt"); err != nil {
		t.Fatal(err)
	}
	if err := p.ApplyDelete("b.txt"); err != nil {
		t.Fatal(err)
	}
}

func TestApplyMoveAcceptsAlreadyDone(t *testing.T) {
	p, root := newTestProcessor(t)
	if err := os.WriteFile(filepath.Join(root, "dst.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// src never existed: this should be accepted as already-done.
	if err := p.ApplyMove("src.txt", "dst.txt"); err != nil {
		t.Fatal(err)
	}
}

func TestMarkQuietAndIsQuiet(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.MarkQuiet("x.txt")
	if !p.IsQuiet("x.txt") {
		t.Error("expected x.txt to read as quiet once")
	}
	if p.IsQuiet("x.txt") {
		t.Error("IsQuiet should clear the marker after one read")
	}
}
