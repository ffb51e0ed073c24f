// Package diskstore implements the cross-session disk-backed store
// described in spec.md §3/§4.3: a single index file (format "PCV3")
// plus a set of fixed-size, append-only shard files holding the raw
// (compressed) pixel payloads. Grounded on
// other_examples/2aa19cfc_rupor-github-bigcache__shard.go.go for the
// shard lifecycle (append-only backing store, rotate/evict-oldest),
// adapted from an in-memory ring buffer of one
// shard to an on-disk set of many shard files plus a separate
// persisted index, per spec.md §3.
package diskstore

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Key identifies one cached rectangle's content, per spec.md §3
// "Cache key": (width, height, contentHash). Rectangles with the same
// pixels but different dimensions are distinct entries.
type Key struct {
	Width       uint16
	Height      uint16
	ContentHash uint64
}

const (
	indexMagic   = "PCV3"
	indexVersion = 3

	headerSize = 4 + 4 + 4 + 8 + 8 + 4 + 32 // magic,version,count,created,lastAccess,maxShard,reserved
	entrySize  = 16 + 4 + 8 + 4 + 2 + 2 + 2 + 24 + 1 + 7
)

// flag bits on IndexEntry.Flags.
const (
	flagCold uint8 = 1 << 0
)

// header is the fixed-layout PCV3 index file header (spec.md §3
// "Index header").
type header struct {
	Version      uint32
	EntryCount   uint32
	CreatedAt    int64
	LastAccessAt int64
	MaxShardID   uint32
}

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], indexMagic)
	binary.BigEndian.PutUint32(b[4:8], h.Version)
	binary.BigEndian.PutUint32(b[8:12], h.EntryCount)
	binary.BigEndian.PutUint64(b[12:20], uint64(h.CreatedAt))
	binary.BigEndian.PutUint64(b[20:28], uint64(h.LastAccessAt))
	binary.BigEndian.PutUint32(b[28:32], h.MaxShardID)
	// b[32:64] reserved, left zero.
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, fmt.Errorf("diskstore: short header (%d bytes)", len(b))
	}
	if string(b[0:4]) != indexMagic {
		return h, fmt.Errorf("diskstore: bad magic %q", b[0:4])
	}
	h.Version = binary.BigEndian.Uint32(b[4:8])
	if h.Version != indexVersion {
		return h, fmt.Errorf("diskstore: unsupported index version %d", h.Version)
	}
	h.EntryCount = binary.BigEndian.Uint32(b[8:12])
	h.CreatedAt = int64(binary.BigEndian.Uint64(b[12:20]))
	h.LastAccessAt = int64(binary.BigEndian.Uint64(b[20:28]))
	h.MaxShardID = binary.BigEndian.Uint32(b[28:32])
	return h, nil
}

// indexEntry is the fixed-layout PCV3 index entry (spec.md §3 "Index
// entry"). Per spec, the on-disk key material is 16 bytes whose first
// 8 bytes are the content hash and whose remaining 8 bytes are
// padding; the in-memory Store keys its lookup map on the full
// (width, height, contentHash) triple to avoid the cross-size
// collision the on-disk format alone cannot rule out (spec.md §3
// "Cache key").
type indexEntry struct {
	KeyMaterial  [16]byte
	ShardID      uint32
	Offset       uint64
	Size         uint32
	Width        uint16
	Height       uint16
	StridePixels uint16
	Format       [24]byte
	Flags        uint8
}

func keyMaterial(contentHash uint64) [16]byte {
	var km [16]byte
	binary.BigEndian.PutUint64(km[0:8], contentHash)
	return km
}

func (e indexEntry) marshal() []byte {
	b := make([]byte, entrySize)
	copy(b[0:16], e.KeyMaterial[:])
	binary.BigEndian.PutUint32(b[16:20], e.ShardID)
	binary.BigEndian.PutUint64(b[20:28], e.Offset)
	binary.BigEndian.PutUint32(b[28:32], e.Size)
	binary.BigEndian.PutUint16(b[32:34], e.Width)
	binary.BigEndian.PutUint16(b[34:36], e.Height)
	binary.BigEndian.PutUint16(b[36:38], e.StridePixels)
	copy(b[38:62], e.Format[:])
	b[62] = e.Flags
	// b[63:70] reserved, left zero.
	return b
}

func unmarshalEntry(b []byte) (indexEntry, error) {
	var e indexEntry
	if len(b) < entrySize {
		return e, fmt.Errorf("diskstore: short index entry (%d bytes)", len(b))
	}
	copy(e.KeyMaterial[:], b[0:16])
	e.ShardID = binary.BigEndian.Uint32(b[16:20])
	e.Offset = binary.BigEndian.Uint64(b[20:28])
	e.Size = binary.BigEndian.Uint32(b[28:32])
	e.Width = binary.BigEndian.Uint16(b[32:34])
	e.Height = binary.BigEndian.Uint16(b[34:36])
	e.StridePixels = binary.BigEndian.Uint16(b[36:38])
	copy(e.Format[:], b[38:62])
	e.Flags = b[62]
	return e, nil
}

func writeFull(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}
