package decode

import (
	"context"
	"testing"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/chash"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/client"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
)

func solidRect(w, h int, fill byte) []byte {
	buf := make([]byte, w*h*pixelformat.Canonical.BytesPerPixel())
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

type fakeFramebuffer struct {
	blitted []struct {
		x, y, w, h int
		pixels     []byte
	}
}

func (f *fakeFramebuffer) ImageRect(x, y, width, height int, pixels []byte, strideInPixels int) {
	cp := append([]byte(nil), pixels...)
	f.blitted = append(f.blitted, struct {
		x, y, w, h int
		pixels     []byte
	}{x, y, width, height, cp})
}

func TestHandleCachedRectMissQueuesQuery(t *testing.T) {
	c := client.New(client.Options{MemBytes: 1 << 20})
	fb := &fakeFramebuffer{}
	in := New(c, fb, "conn-1", nil)

	ctx := in.HandleCachedRect(context.Background(), 0, 0, 8, 8, 0xDEAD)
	_ = ctx
	queries := in.TakePendingQueries()
	if len(queries) != 1 || queries[0] != 0xDEAD {
		t.Fatalf("expected pending query for missed id, got %v", queries)
	}
	if len(fb.blitted) != 0 {
		t.Fatalf("expected no blit on a miss")
	}
}

func TestHandleCachedRectInitAcceptsMatchingHashAndHandleCachedRectThenHits(t *testing.T) {
	c := client.New(client.Options{MemBytes: 1 << 20})
	fb := &fakeFramebuffer{}
	in := New(c, fb, "conn-1", nil)

	pixels := solidRect(4, 4, 0x77)
	id := chash.Hash(pixels, pixelformat.Canonical, 4, 4, 4)

	_, err := in.HandleCachedRectInit(context.Background(), 0, 0, 4, 4, id, 0,
		func() ([]byte, pixelformat.Format, int, error) {
			return pixels, pixelformat.Canonical, 4, nil
		}, true, true)
	if err != nil {
		t.Fatalf("HandleCachedRectInit: %v", err)
	}

	in.HandleCachedRect(context.Background(), 10, 10, 4, 4, id)
	if len(fb.blitted) != 1 {
		t.Fatalf("expected exactly one blit after a cache hit, got %d", len(fb.blitted))
	}
	if fb.blitted[0].x != 10 || fb.blitted[0].y != 10 {
		t.Fatalf("blit position mismatch: %+v", fb.blitted[0])
	}
}

func TestHandleCachedRectInitRejectsHashMismatchAndMarksBroken(t *testing.T) {
	c := client.New(client.Options{MemBytes: 1 << 20})
	fb := &fakeFramebuffer{}
	in := New(c, fb, "conn-1", nil)

	pixels := solidRect(4, 4, 0x88)
	claimedID := uint64(0x1234) // deliberately wrong

	_, err := in.HandleCachedRectInit(context.Background(), 0, 0, 4, 4, claimedID, 0,
		func() ([]byte, pixelformat.Format, int, error) {
			return pixels, pixelformat.Canonical, 4, nil
		}, true, true)
	if err != nil {
		t.Fatalf("HandleCachedRectInit: %v", err)
	}

	if !c.Broken() {
		t.Fatalf("expected cache marked broken after a hash mismatch")
	}
	if len(fb.blitted) != 0 {
		t.Fatalf("expected no blit on a mismatched init (must not render, must not cache)")
	}

	// Subsequent references must behave as misses, not corrupt the framebuffer.
	in.HandleCachedRect(context.Background(), 0, 0, 4, 4, claimedID)
	if len(fb.blitted) != 0 {
		t.Fatalf("expected no blit for any reference once the session is broken")
	}
}

func TestDrainEndOfFrameReturnsQueriesAndEvictions(t *testing.T) {
	c := client.New(client.Options{MemBytes: 300})
	fb := &fakeFramebuffer{}
	in := New(c, fb, "conn-1", nil)

	in.HandleCachedRect(context.Background(), 0, 0, 8, 8, 1)
	in.HandleCachedRect(context.Background(), 0, 0, 8, 8, 2)

	for i := 0; i < 4; i++ {
		pixels := solidRect(8, 8, byte(i))
		h := chash.Hash(pixels, pixelformat.Canonical, 8, 8, 8)
		c.Insert(client.Key{Width: 8, Height: 8, ContentHash: h}, pixels, pixelformat.Canonical, 8, 8, 8, false)
	}

	queries, evictions := in.DrainEndOfFrame()
	if len(queries) != 2 {
		t.Fatalf("expected 2 pending queries, got %d", len(queries))
	}
	if len(evictions) == 0 {
		t.Fatalf("expected at least one eviction given the tiny byte budget")
	}
}

func TestBuildHashListAdvertisementIsEmptyForFreshCache(t *testing.T) {
	c := client.New(client.Options{MemBytes: 1 << 20})
	in := New(c, &fakeFramebuffer{}, "conn-1", nil)

	if chunks := in.BuildHashListAdvertisement(); chunks != nil {
		t.Fatalf("expected no chunks for an empty cache, got %v", chunks)
	}
}

func TestBuildHashListAdvertisementChunksAllKnownIds(t *testing.T) {
	c := client.New(client.Options{MemBytes: 1 << 20})
	in := New(c, &fakeFramebuffer{}, "conn-1", nil)

	const n = hashListChunkSize + 10
	want := make(map[uint64]struct{}, n)
	for i := 0; i < n; i++ {
		pixels := solidRect(4, 4, byte(i))
		h := chash.Hash(pixels, pixelformat.Canonical, 4, 4, 4)
		c.Insert(client.Key{Width: 4, Height: 4, ContentHash: h}, pixels, pixelformat.Canonical, 4, 4, 4, true)
		want[h] = struct{}{}
	}

	chunks := in.BuildHashListAdvertisement()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for %d ids at chunk size %d, got %d", n, hashListChunkSize, len(chunks))
	}

	got := make(map[uint64]struct{}, n)
	for idx, chunk := range chunks {
		if int(chunk.TotalChunks) != len(chunks) {
			t.Fatalf("chunk %d: TotalChunks = %d, want %d", idx, chunk.TotalChunks, len(chunks))
		}
		if int(chunk.ChunkIndex) != idx {
			t.Fatalf("chunk %d: ChunkIndex = %d, want %d", idx, chunk.ChunkIndex, idx)
		}
		for _, h := range chunk.Hashes {
			got[h] = struct{}{}
		}
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d distinct ids across chunks, got %d", len(want), len(got))
	}
	for h := range want {
		if _, ok := got[h]; !ok {
			t.Fatalf("id %d missing from hash list advertisement", h)
		}
	}
}
