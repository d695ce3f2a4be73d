package eventdb

import (
	"context"
	"testing"

	"github.com/pvtsync/pvtsync/lib/copystore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndLookupFile(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateFile(FileRecord{RelativePath: "docs/report.txt", Size: 42})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero assigned id")
	}

	rec, found, err := s.GetFileByPath("docs/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !found || rec.ID != id || rec.Size != 42 {
		t.Fatalf("unexpected record: %+v found=%v", rec, found)
	}

	if _, err := s.CreateFile(FileRecord{RelativePath: "docs/report.txt"}); err == nil {
		t.Fatal("expected duplicate path to be rejected")
	}
}

func TestUpdateFileEventsFileIDImmutable(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateFile(FileRecord{RelativePath: "a.txt", EventsFileID: "srv-1"})
	if err != nil {
		t.Fatal(err)
	}

	rec, _, _ := s.GetFile(id)
	rec.EventsFileID = "srv-2"
	if err := s.UpdateFile(rec); err == nil {
		t.Fatal("expected events_file_id change to be rejected")
	}

	rec.EventsFileID = "srv-1"
	rec.RelativePath = "b.txt"
	if err := s.UpdateFile(rec); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.GetFileByPath("a.txt"); found {
		t.Error("old path index should be gone after rename")
	}
	if _, found, _ := s.GetFileByPath("b.txt"); !found {
		t.Error("new path index should exist after rename")
	}
}

func TestEventChainAndHead(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateFile(FileRecord{RelativePath: "x.bin"})
	if err != nil {
		t.Fatal(err)
	}

	ev1 := EventRecord{UUID: "u1", ServerEventID: 1, FileID: id, Type: Create, State: Applied}
	if err := s.PutEvent(ev1); err != nil {
		t.Fatal(err)
	}
	head, found, err := s.Head(id)
	if err != nil {
		t.Fatal(err)
	}
	if !found || head.UUID != "u1" {
		t.Fatalf("head = %+v found=%v, want u1", head, found)
	}

	ev2 := EventRecord{UUID: "u2", ServerEventID: 2, FileID: id, Type: Update, State: Applied, LastEventID: "u1"}
	if err := s.PutEvent(ev2); err != nil {
		t.Fatal(err)
	}
	head, _, _ = s.Head(id)
	if head.UUID != "u2" {
		t.Errorf("head.UUID = %q, want u2", head.UUID)
	}

	events, err := s.EventsForFile(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].ServerEventID != 1 || events[1].ServerEventID != 2 {
		t.Fatalf("unexpected chain order: %+v", events)
	}
}

func TestEventsSince(t *testing.T) {
	s := openTestStore(t)

	id, _ := s.CreateFile(FileRecord{RelativePath: "y.bin"})
	for i := int64(1); i <= 5; i++ {
		s.PutEvent(EventRecord{UUID: "u" + string(rune('0'+i)), ServerEventID: i, FileID: id})
	}

	events, err := s.EventsSince(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].ServerEventID != 3 {
		t.Errorf("first event after watermark 2 has ServerEventID %d, want 3", events[0].ServerEventID)
	}
}

func TestReapOldEventsRemovesDeletedFileChain(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	copies, err := copystore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer copies.Close()

	id, _ := s.CreateFile(FileRecord{RelativePath: "gone.txt"})
	s.PutEvent(EventRecord{UUID: "c1", ServerEventID: 1, FileID: id, Type: Create, FileHash: "h1", State: Applied})
	s.PutEvent(EventRecord{UUID: "d1", ServerEventID: 2, FileID: id, Type: Delete, FileHashBeforeEvent: "h1", State: Applied})

	removed, err := s.ReapOldEvents(ctx, 2, copies)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, found, _ := s.GetFile(id); found {
		t.Error("file row should be gone after reaping a deleted-head file")
	}
	if events, _ := s.EventsForFile(id); len(events) != 0 {
		t.Error("event chain should be gone after reaping")
	}
}

func TestReapOldEventsTrimsSurvivingChain(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	copies, err := copystore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer copies.Close()

	id, _ := s.CreateFile(FileRecord{RelativePath: "alive.txt"})
	s.PutEvent(EventRecord{UUID: "a1", ServerEventID: 1, FileID: id, Type: Create, State: Sent})
	s.PutEvent(EventRecord{UUID: "a2", ServerEventID: 2, FileID: id, Type: Update, State: Sent})
	s.PutEvent(EventRecord{UUID: "a3", ServerEventID: 3, FileID: id, Type: Update, State: Applied})

	removed, err := s.ReapOldEvents(ctx, 3, copies)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 (file is still alive)", removed)
	}

	events, err := s.EventsForFile(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ServerEventID != 3 {
		t.Fatalf("expected only the event at the watermark to survive, got %+v", events)
	}
}
