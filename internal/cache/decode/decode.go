// Package decode implements the client-side integration point of
// spec.md §4.7: dispatch CachedRect/CachedRectInit rectangles into the
// unified client cache, verify hashes on init, and batch outgoing miss
// queries and eviction reports. Span-per-operation style is grounded
// on the teacher's engines.QueryCache/WriteCache, the same as the
// encode-side integrator.
package decode

import (
	"context"
	"fmt"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/chash"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/client"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/protocol"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/log"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/tracing"
)

// referenceBytes is the actual wire cost of a CachedRect reference,
// used for bandwidth accounting alongside encode.Integrator.BytesSaved
// (spec.md §4.7 step 1).
const referenceBytes = 20

// hashListChunkSize bounds how many hashes go in a single
// PersistentCacheHashList frame, keeping the session-start
// advertisement burst to reasonably small messages even for a cache
// holding tens of thousands of entries.
const hashListChunkSize = 256

// Framebuffer is the decoder-pipeline surface this package draws
// into, matching spec.md §6's "getBuffer/imageRect" consumed
// interface.
type Framebuffer interface {
	ImageRect(x, y, width, height int, pixels []byte, strideInPixels int)
}

// Integrator wires a unified client cache into a decoder's per-message
// dispatch loop for one connection.
type Integrator struct {
	cache  *client.Cache
	fb     Framebuffer
	logger log.Logger
	connID string

	pendingQueries map[uint64]struct{}
	refBytesTotal  int64
	estimatedBytes int64
}

// New constructs an Integrator over cache for one connection.
func New(cache *client.Cache, fb Framebuffer, connID string, logger log.Logger) *Integrator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Integrator{
		cache:          cache,
		fb:             fb,
		connID:         connID,
		logger:         logger,
		pendingQueries: make(map[uint64]struct{}),
	}
}

// HandleCachedRect implements spec.md §4.7 "On CachedRect": look the
// key up in the unified cache; blit on a hit, else queue a miss query.
func (in *Integrator) HandleCachedRect(ctx context.Context, x, y, width, height int, id uint64) context.Context {
	ctx, span := tracing.NewConnectionSpan(ctx, "HandleCachedRect", in.connID)
	defer span.End()

	in.refBytesTotal += referenceBytes
	estimatedAlt := int64(16 + width*height*pixelformat.Canonical.BytesPerPixel()/10)
	in.estimatedBytes += estimatedAlt

	if in.cache.Broken() {
		in.pendingQueries[id] = struct{}{}
		return ctx
	}

	key := client.Key{Width: uint16(width), Height: uint16(height), ContentHash: id}
	e, ok := in.cache.GetByKey(key)
	if !ok {
		in.pendingQueries[id] = struct{}{}
		in.logger.Debug("cached rect miss, queuing query", log.Pairs{"connID": in.connID, "id": id})
		return ctx
	}
	in.fb.ImageRect(x, y, width, height, e.Pixels, int(e.StridePixels))
	return ctx
}

// HandleCachedRectInit implements spec.md §4.7 "On CachedRectInit":
// decode the inner rectangle normally, snapshot and hash the result,
// and only cache it if the hash matches what the server claimed.
// decodeInnerFn must render the rectangle into fb and return the
// rendered pixels tightly packed plus the pixel format used.
func (in *Integrator) HandleCachedRectInit(ctx context.Context, x, y, width, height int, id uint64, innerEncoding int32, decodeInnerFn func() (pixels []byte, format pixelformat.Format, strideInPixels int, err error), persistentCapable bool, innerEncodingIsLossless bool) (context.Context, error) {
	ctx, span := tracing.NewConnectionSpan(ctx, "HandleCachedRectInit", in.connID)
	defer span.End()

	pixels, format, stridePixels, err := decodeInnerFn()
	if err != nil {
		return ctx, fmt.Errorf("decode: inner decode for CachedRectInit failed: %w", err)
	}

	got := chash.Hash(pixels, format, width, height, stridePixels)
	if got != id {
		in.logger.Warn("cached rect init hash mismatch", log.Pairs{"connID": in.connID, "expected": id, "got": got})
		in.cache.InvalidateByContentId(id)
		in.cache.MarkBroken()
		return ctx, nil
	}

	delete(in.pendingQueries, id)
	key := client.Key{Width: uint16(width), Height: uint16(height), ContentHash: id}
	persistent := persistentCapable && innerEncodingIsLossless
	in.cache.Insert(key, pixels, format, width, height, stridePixels, persistent)
	return ctx, nil
}

// TakePendingQueries drains the set of ids that missed and still need
// a PersistentCacheQuery/miss report, for the batcher to flush at the
// thresholds described in spec.md §4.5 "Batching and backpressure".
func (in *Integrator) TakePendingQueries() []uint64 {
	if len(in.pendingQueries) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(in.pendingQueries))
	for id := range in.pendingQueries {
		ids = append(ids, id)
	}
	in.pendingQueries = make(map[uint64]struct{})
	return ids
}

// DrainEndOfFrame implements spec.md §4.7's "On LastRect / end-of-frame"
// step: collect the pending miss-query ids and pending-eviction ids
// for the caller to send as PersistentCacheQuery and CacheEviction
// respectively.
func (in *Integrator) DrainEndOfFrame() (queries []uint64, evictions []uint64) {
	return in.TakePendingQueries(), in.cache.TakePendingEvictions()
}

// BuildHashListAdvertisement implements the client-side half of
// spec.md §4.5's "PersistentCacheHashList (chunked advertisement of
// all known ids at session start)": it enumerates every id the
// unified cache holds, resident or disk-only, via
// client.Cache.GetAllContentIds(), and splits the result into
// protocol.HashListChunk values ready for
// protocol.EncodePersistentCacheHashList. Callers send one frame per
// returned chunk when a cross-session connection is first
// established (spec.md §8 scenario #5 "reconnect, advertise all ids").
func (in *Integrator) BuildHashListAdvertisement() []protocol.HashListChunk {
	ids := in.cache.GetAllContentIds()
	if len(ids) == 0 {
		return nil
	}
	totalChunks := (len(ids) + hashListChunkSize - 1) / hashListChunkSize
	chunks := make([]protocol.HashListChunk, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * hashListChunkSize
		end := start + hashListChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, protocol.HashListChunk{
			TotalChunks: uint16(totalChunks),
			ChunkIndex:  uint16(i),
			Hashes:      ids[start:end],
		})
	}
	return chunks
}

// BandwidthAccounting returns the actual reference bytes received and
// the estimated alternative cost, for the end-of-session statistics
// line (spec.md §7 "User-visible behavior").
func (in *Integrator) BandwidthAccounting() (actual, estimatedAlternative int64) {
	return in.refBytesTotal, in.estimatedBytes
}
