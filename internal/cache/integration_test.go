// Package cache_test drives a rectangle through the real
// catalog -> encode.Integrator -> wire bytes -> decode.Integrator path,
// the end-to-end flow spec.md §8's testable properties and scenarios
// describe. The per-package unit tests exercise each integrator in
// isolation (encode_test.go never compares outcome.ID against
// outcome.Hash; decode_test.go hand-builds its id with chash.Hash
// directly), so neither alone would catch a catalog that hands out an
// id the decoder's own hash of the payload can never match.
package cache_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/catalog"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/client"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/decode"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/encode"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/protocol"
)

func solidRect(w, h int, fill byte) []byte {
	buf := make([]byte, w*h*pixelformat.Canonical.BytesPerPixel())
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

type recordingFramebuffer struct {
	blits int
}

func (f *recordingFramebuffer) ImageRect(x, y, width, height int, pixels []byte, strideInPixels int) {
	f.blits++
}

type wireWriter struct {
	buf bytes.Buffer
}

func (w *wireWriter) WriteCachedRectInit(id uint64, innerEncoding int32, payload []byte) error {
	if err := protocol.EncodeCachedRectInitHeader(&w.buf, id, innerEncoding); err != nil {
		return err
	}
	_, err := w.buf.Write(payload)
	return err
}

// TestEncodeDecodeRoundTripDoesNotMarkCacheBroken drives a rectangle
// through the real server-side catalog and the real client-side cache
// over actual wire bytes, and asserts the id the catalog hands out
// survives the decoder's own hash check (spec.md §8 testable property
// #3, scenario #1).
func TestEncodeDecodeRoundTripDoesNotMarkCacheBroken(t *testing.T) {
	cat := catalog.New(catalog.Options{MaxBytes: 1 << 20, MinRectSize: 1})
	enc := encode.New(cat, "conn-1", nil)
	server := catalog.NewClientState()

	pixels := solidRect(8, 8, 0x55)
	r := catalog.Rect{Width: 8, Height: 8, ByteSize: int64(len(pixels))}

	// First sighting: NoCache, record the content so a later sighting
	// can reference it.
	_, outcome := enc.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, server)
	if outcome.Kind != catalog.NoCache {
		t.Fatalf("expected NoCache on first sighting, got %v", outcome.Kind)
	}
	enc.RecordEncoded(outcome.Hash, r)

	// Second sighting: the catalog recognizes the content and queues a
	// CachedRectInit for delivery.
	_, outcome2 := enc.ConsultRect(context.Background(), pixels, pixelformat.Canonical, r, 8, server)
	if outcome2.Kind != catalog.QueueInit {
		t.Fatalf("expected QueueInit on second sighting, got %v", outcome2.Kind)
	}

	w := &wireWriter{}
	err := enc.FlushPendingInits(server, w, func(r catalog.Rect) (int32, []byte, error) {
		return 0, pixels, nil
	})
	if err != nil {
		t.Fatalf("FlushPendingInits: %v", err)
	}

	// Decode side reads the real wire bytes just produced.
	wireID, innerEncoding, err := protocol.DecodeCachedRectInitHeader(&w.buf)
	if err != nil {
		t.Fatalf("DecodeCachedRectInitHeader: %v", err)
	}
	innerPayload := make([]byte, len(pixels))
	if _, err := w.buf.Read(innerPayload); err != nil {
		t.Fatalf("reading inner payload: %v", err)
	}

	fb := &recordingFramebuffer{}
	clientCache := client.New(client.Options{MemBytes: 1 << 20})
	dec := decode.New(clientCache, fb, "conn-1", nil)

	_, err = dec.HandleCachedRectInit(context.Background(), 0, 0, 8, 8, wireID, innerEncoding,
		func() ([]byte, pixelformat.Format, int, error) {
			return innerPayload, pixelformat.Canonical, 8, nil
		}, true, true)
	if err != nil {
		t.Fatalf("HandleCachedRectInit: %v", err)
	}

	if clientCache.Broken() {
		t.Fatalf("cache marked broken on a genuine encode->decode round trip; the catalog's wire id must equal the content hash the decoder recomputes")
	}

	// A later CachedRect reference for the same id must now hit.
	dec.HandleCachedRect(context.Background(), 10, 10, 8, 8, wireID)
	if fb.blits != 1 {
		t.Fatalf("expected a cache hit to blit the framebuffer once, got %d blits", fb.blits)
	}
}
