package availability

import (
	"context"
	"testing"
)

func TestMergeRangesCoalescesOverlapsAndAdjacent(t *testing.T) {
	in := []Range{{0, 10}, {10, 5}, {20, 5}, {5, 3}}
	got := MergeRanges(in)
	want := []Range{{0, 15}, {20, 5}}
	if len(got) != len(want) {
		t.Fatalf("MergeRanges(%v) = %v, want %v", in, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MergeRanges(%v)[%d] = %v, want %v", in, i, got[i], want[i])
		}
	}
}

type memSource struct {
	ranges map[ObjID][]Range
	data   map[ObjID][]byte
}

func (m *memSource) Ranges(ctx context.Context, obj ObjID) ([]Range, error) {
	return m.ranges[obj], nil
}

func (m *memSource) ReadAt(ctx context.Context, obj ObjID, offset, length int64) ([]byte, error) {
	d := m.data[obj]
	return d[offset : offset+length], nil
}

func TestSupplierSubscribeDeliversSnapshotThenAnnounce(t *testing.T) {
	ctx := context.Background()
	obj := ObjID{Type: ObjFile, ID: "evt-1"}
	src := &memSource{ranges: map[ObjID][]Range{obj: {{0, 10}}}}
	sup := NewSupplier(src)

	id, updates, _, err := sup.Subscribe(ctx, obj)
	if err != nil {
		t.Fatal(err)
	}
	first := <-updates
	if len(first) != 1 || first[0] != (Range{0, 10}) {
		t.Fatalf("initial snapshot = %v", first)
	}

	sup.Announce(obj, []Range{{0, 20}})
	second := <-updates
	if len(second) != 1 || second[0] != (Range{0, 20}) {
		t.Fatalf("announced snapshot = %v", second)
	}

	sup.Unsubscribe(obj, id)
}

func TestSupplierRetargetFailsOldObject(t *testing.T) {
	ctx := context.Background()
	oldObj := ObjID{Type: ObjFile, ID: "evt-1"}
	newObj := ObjID{Type: ObjFile, ID: "evt-2"}
	src := &memSource{ranges: map[ObjID][]Range{newObj: {{0, 5}}}}
	sup := NewSupplier(src)

	_, _, failures, err := sup.Subscribe(ctx, oldObj)
	if err != nil {
		t.Fatal(err)
	}

	if err := sup.Retarget(ctx, oldObj, newObj); err != nil {
		t.Fatal(err)
	}

	fe := <-failures
	if fe.Code != UnknownEventUUID {
		t.Errorf("Code = %v, want UnknownEventUUID", fe.Code)
	}
}

func TestConsumerTracksPeerOffersAndFailures(t *testing.T) {
	obj := ObjID{Type: ObjPatch, ID: "patch-1"}
	c := NewConsumer()

	c.HandleResponse("peerA", obj, []Range{{0, 100}})
	c.HandleResponse("peerB", obj, []Range{{50, 50}})

	offers := c.PeerRanges(obj)
	if len(offers) != 2 {
		t.Fatalf("offers = %v, want 2 peers", offers)
	}

	c.HandleFailure("peerA", obj, FileChanged)
	offers = c.PeerRanges(obj)
	if _, ok := offers["peerA"]; ok {
		t.Error("peerA should have been dropped after a failure")
	}
	if _, ok := offers["peerB"]; !ok {
		t.Error("peerB should remain")
	}

	c.Abort(obj)
	if offers := c.PeerRanges(obj); offers != nil {
		t.Errorf("PeerRanges after Abort = %v, want nil", offers)
	}
}

func TestCompressDecompressChunkRoundTrips(t *testing.T) {
	orig := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, the quick brown fox jumps over the lazy dog")
	compressed, err := CompressChunk(orig)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecompressChunk(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if string(back) != string(orig) {
		t.Fatalf("round trip mismatch: got %q", back)
	}
}
