// Package encode implements the server-side integration point of
// spec.md §4.6: for each rectangle the outer encoder is about to send,
// consult the catalog, either emit a reference, defer to an end-of-frame
// init, or fall through to the normal encoder and record the rect's
// content afterward. Span-per-operation and bandwidth-accounting style
// is grounded on the teacher's engines.QueryCache/WriteCache
// (span opened around each cache operation, debug log around the
// interesting branch).
package encode

import (
	"context"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/catalog"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/chash"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/protocol"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/log"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/tracing"
)

// cachedRectHeaderBytes is the fixed overhead of a CachedRect
// reference rectangle used for bandwidth accounting (spec.md §4.6
// step 1: "record equivalent bytes saved").
const cachedRectHeaderBytes = 20

// Integrator wires a catalog into an encoder's per-rectangle loop.
type Integrator struct {
	catalog    *catalog.Catalog
	logger     log.Logger
	connID     string
	bytesSaved int64
}

// New constructs an Integrator over catalog for one connection.
func New(cat *catalog.Catalog, connID string, logger log.Logger) *Integrator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Integrator{catalog: cat, connID: connID, logger: logger}
}

// Outcome tells the caller what to do with a rectangle after
// consulting the cache (spec.md §4.6).
type Outcome struct {
	Kind catalog.DecisionKind
	ID   uint64
	Hash uint64
}

// ConsultRect implements spec.md §4.6 step 1-2: compute R's content
// hash and ask the catalog whether a reference or a deferred init
// applies. Callers must render pixels into the canonical format first
// (spec.md §6 "a function to render a rectangle's canonical bytes").
func (in *Integrator) ConsultRect(ctx context.Context, pixels []byte, format pixelformat.Format, r catalog.Rect, stridePixels int, client *catalog.ClientState) (context.Context, Outcome) {
	ctx, span := tracing.NewConnectionSpan(ctx, "ConsultRect", in.connID)
	defer span.End()

	hash := chash.Hash(pixels, format, r.Width, r.Height, stridePixels)
	d := in.catalog.TryReference(hash, r, client)

	if d.Kind == catalog.SendRef {
		in.bytesSaved += r.ByteSize - cachedRectHeaderBytes
		in.logger.Debug("sending cached rect reference", log.Pairs{"connID": in.connID, "id": d.ID})
	}

	return ctx, Outcome{Kind: d.Kind, ID: d.ID, Hash: hash}
}

// RecordEncoded implements spec.md §4.6 step 3: after the encoder has
// produced a payload for a rectangle that qualified for caching
// (area >= minRectSize and caching enabled — the catalog itself
// re-checks minRectSize, so callers need not filter), record its
// content hash and bounds so a future sighting can reference it.
func (in *Integrator) RecordEncoded(hash uint64, r catalog.Rect) uint64 {
	return in.catalog.RecordObserved(hash, r)
}

// PendingInitWriter writes one CachedRectInit rectangle: header plus
// the caller-supplied already-encoded inner payload.
type PendingInitWriter interface {
	WriteCachedRectInit(id uint64, innerEncoding int32, payload []byte) error
}

// FlushPendingInits implements spec.md §4.6's end-of-frame step: for
// each queued (id, rect), write a CachedRectInit using encodeFn to
// produce the inner payload, then call noteInit.
func (in *Integrator) FlushPendingInits(client *catalog.ClientState, w PendingInitWriter, encodeFn func(r catalog.Rect) (innerEncoding int32, payload []byte, err error)) error {
	pending := append([]catalog.PendingInit(nil), client.PendingInits...)
	for _, p := range pending {
		innerEncoding, payload, err := encodeFn(p.Rect)
		if err != nil {
			in.logger.Warn("encoding pending cache init failed", log.Pairs{"connID": in.connID, "id": p.ID, "error": err.Error()})
			continue
		}
		if err := w.WriteCachedRectInit(p.ID, innerEncoding, payload); err != nil {
			return err
		}
		in.catalog.NoteInit(p.ID, p.Rect, client)
	}
	return nil
}

// BytesSaved returns the running bandwidth-saved estimate for this
// connection (spec.md §4.6 step 1 accounting, §7 "User-visible
// behavior").
func (in *Integrator) BytesSaved() int64 { return in.bytesSaved }

// NegotiationEncodings returns the pseudo-encodings this connection
// should advertise, in the order spec.md §4.5 requires.
func NegotiationEncodings() []int32 { return protocol.NegotiationOrder() }
