package catalog

import "testing"

func TestFirstSightingIsNoCacheAndRecordsEntry(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MinRectSize: 1})
	client := NewClientState()
	r := Rect{Width: 64, Height: 64, ByteSize: 64 * 64 * 4}

	d := c.TryReference(0xAAAA, r, client)
	if d.Kind != NoCache {
		t.Fatalf("expected NoCache on first sighting, got %v", d.Kind)
	}

	id := c.RecordObserved(0xAAAA, r)
	if id == 0 {
		t.Fatalf("expected nonzero assigned id")
	}
}

func TestSecondSightingQueuesInitThenSendsRefAfterNoteInit(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MinRectSize: 1})
	client := NewClientState()
	r := Rect{Width: 64, Height: 64, ByteSize: 64 * 64 * 4}

	c.TryReference(0xBBBB, r, client)
	id := c.RecordObserved(0xBBBB, r)

	d := c.TryReference(0xBBBB, r, client)
	if d.Kind != QueueInit || d.ID != id {
		t.Fatalf("expected QueueInit(%d), got %v(%d)", id, d.Kind, d.ID)
	}
	if len(client.PendingInits) != 1 {
		t.Fatalf("expected 1 pending init, got %d", len(client.PendingInits))
	}

	c.NoteInit(id, r, client)
	if len(client.PendingInits) != 0 {
		t.Fatalf("expected pending inits drained after NoteInit")
	}

	d = c.TryReference(0xBBBB, r, client)
	if d.Kind != SendRef || d.ID != id {
		t.Fatalf("expected SendRef(%d) once client knows the id, got %v(%d)", id, d.Kind, d.ID)
	}
}

func TestNoteEvictionForgetsKnownId(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MinRectSize: 1})
	client := NewClientState()
	r := Rect{Width: 64, Height: 64, ByteSize: 64 * 64 * 4}

	c.TryReference(0xCCCC, r, client)
	id := c.RecordObserved(0xCCCC, r)
	c.TryReference(0xCCCC, r, client)
	c.NoteInit(id, r, client)

	c.NoteEviction(client, []uint64{id})

	d := c.TryReference(0xCCCC, r, client)
	if d.Kind != QueueInit {
		t.Fatalf("expected QueueInit again after NoteEviction forgot the id, got %v", d.Kind)
	}
}

func TestBelowMinRectSizeIsAlwaysNoCache(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MinRectSize: 4096})
	client := NewClientState()
	small := Rect{Width: 8, Height: 8, ByteSize: 8 * 8 * 4}

	if d := c.TryReference(0xDDDD, small, client); d.Kind != NoCache {
		t.Fatalf("expected NoCache for a rect under minRectSize, got %v", d.Kind)
	}
}

func TestLossyHashReportRedirectsLookup(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MinRectSize: 1})
	client := NewClientState()
	r := Rect{Width: 64, Height: 64, ByteSize: 64 * 64 * 4}

	canonical := uint64(0x1111)
	c.TryReference(canonical, r, client)
	id := c.RecordObserved(canonical, r)

	lossy := uint64(0x2222)
	c.RecordLossyHash(canonical, lossy)

	d := c.TryReference(lossy, r, client)
	if d.Kind != QueueInit || d.ID != id {
		t.Fatalf("expected lossy hash to resolve to canonical entry, got %v(%d)", d.Kind, d.ID)
	}
}

func TestClearResetsCatalog(t *testing.T) {
	c := New(Options{MaxBytes: 1 << 20, MinRectSize: 1})
	client := NewClientState()
	r := Rect{Width: 64, Height: 64, ByteSize: 64 * 64 * 4}

	c.TryReference(0xEEEE, r, client)
	c.RecordObserved(0xEEEE, r)
	c.Clear()

	d := c.TryReference(0xEEEE, r, client)
	if d.Kind != NoCache {
		t.Fatalf("expected NoCache after Clear forgot all entries, got %v", d.Kind)
	}
}
