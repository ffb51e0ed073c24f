// Package client implements the unified client-side pixel store of
// spec.md §4.3: a typed wrapper over the ARC engine that holds decoded
// rectangle pixels, optionally persists them across sessions through
// internal/cache/diskstore, and tracks pending eviction/hydration work
// for the protocol layer to drain.
package client

import (
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/diskstore"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
)

// entryOverheadBytes approximates the fixed struct cost added to every
// resident entry on top of its pixel buffer, so capacity accounting
// isn't purely len(pixels) (spec.md §3 "byteSize = len(pixels) +
// constant struct overhead").
const entryOverheadBytes = 64

// Key identifies one cached rectangle by dimensions and content hash,
// per spec.md §3 "Cache key". It is the diskstore package's Key type
// reused directly so in-memory and on-disk lookups share one identity.
type Key = diskstore.Key

// Entry is the client-side resident cache value: decoded pixels plus
// the metadata needed to blit them and to persist them to disk.
type Entry struct {
	Pixels       []byte
	Format       pixelformat.Format
	Width        uint16
	Height       uint16
	StridePixels uint16 // always == Width for a stored entry
	Persistent   bool
}

// ByteSize implements arc.Sized.
func (e *Entry) ByteSize() int64 {
	return int64(len(e.Pixels)) + entryOverheadBytes
}
