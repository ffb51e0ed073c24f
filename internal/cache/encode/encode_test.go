package encode

import (
	"context"
	"testing"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/catalog"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
)

func solidRect(w, h int, fill byte) []byte {
	buf := make([]byte, w*h*pixelformat.Canonical.BytesPerPixel())
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

type fakeWriter struct {
	wrote []struct {
		id  uint64
		enc int32
	}
}

func (f *fakeWriter) WriteCachedRectInit(id uint64, innerEncoding int32, payload []byte) error {
	f.wrote = append(f.wrote, struct {
		id  uint64
		enc int32
	}{id, innerEncoding})
	return nil
}

func TestConsultRectFirstSightingIsNoCache(t *testing.T) {
	cat := catalog.New(catalog.Options{MaxBytes: 1 << 20, MinRectSize: 1})
	in := New(cat, "conn-1", nil)
	client := catalog.NewClientState()

	pixels := solidRect(8, 8, 0x11)
	r := catalog.Rect{Width: 8, Height: 8, ByteSize: int64(len(pixels))}

	_, outcome := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	if outcome.Kind != catalog.NoCache {
		t.Fatalf("expected NoCache on first sighting, got %v", outcome.Kind)
	}

	in.RecordEncoded(outcome.Hash, r)

	_, outcome2 := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	if outcome2.Kind != catalog.QueueInit {
		t.Fatalf("expected QueueInit on second sighting, got %v", outcome2.Kind)
	}
}

func TestFlushPendingInitsWritesAndNotesInit(t *testing.T) {
	cat := catalog.New(catalog.Options{MaxBytes: 1 << 20, MinRectSize: 1})
	in := New(cat, "conn-1", nil)
	client := catalog.NewClientState()

	pixels := solidRect(8, 8, 0x22)
	r := catalog.Rect{Width: 8, Height: 8, ByteSize: int64(len(pixels))}

	_, outcome := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	in.RecordEncoded(outcome.Hash, r)
	_, outcome2 := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	if outcome2.Kind != catalog.QueueInit {
		t.Fatalf("expected QueueInit, got %v", outcome2.Kind)
	}

	w := &fakeWriter{}
	err := in.FlushPendingInits(client, w, func(r catalog.Rect) (int32, []byte, error) {
		return 0 /* Raw */, pixels, nil
	})
	if err != nil {
		t.Fatalf("FlushPendingInits: %v", err)
	}
	if len(w.wrote) != 1 {
		t.Fatalf("expected 1 CachedRectInit written, got %d", len(w.wrote))
	}
	if len(client.PendingInits) != 0 {
		t.Fatalf("expected pending inits drained after flush")
	}
	if _, known := client.KnownIDs[outcome2.ID]; !known {
		t.Fatalf("expected id known to client after NoteInit via flush")
	}
}

func TestBytesSavedAccumulatesOnSendRef(t *testing.T) {
	cat := catalog.New(catalog.Options{MaxBytes: 1 << 20, MinRectSize: 1})
	in := New(cat, "conn-1", nil)
	client := catalog.NewClientState()

	pixels := solidRect(8, 8, 0x33)
	r := catalog.Rect{Width: 8, Height: 8, ByteSize: int64(len(pixels))}

	_, outcome := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	in.RecordEncoded(outcome.Hash, r)
	_, outcome2 := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	cat.NoteInit(outcome2.ID, r, client)

	if in.BytesSaved() != 0 {
		t.Fatalf("expected no bytes saved before a SendRef decision")
	}
	_, outcome3 := in.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, client)
	if outcome3.Kind != catalog.SendRef {
		t.Fatalf("expected SendRef once client knows the id, got %v", outcome3.Kind)
	}
	if in.BytesSaved() <= 0 {
		t.Fatalf("expected positive bytes saved after a SendRef decision")
	}
}
