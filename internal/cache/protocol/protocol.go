// Package protocol implements the wire framing for the RFB extension
// messages described in spec.md §4.5: cache-hit references, cache-init
// rectangles, miss queries, eviction notifications, hash-list
// advertisement, and lossy-hash reports. All integers are network
// (big-endian) byte order, matching the rest of the RFB wire format.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Pseudo-encoding and rect-encoding numeric values (spec.md §4.5).
const (
	PseudoEncContentCache    int32 = -320
	PseudoEncPersistentCache int32 = -321

	RectCachedRectSession          int32 = -512
	RectCachedRectCrossSession     int32 = 102
	RectCachedRectInitSession      int32 = -511
	RectCachedRectInitCrossSession int32 = 103
)

// Client-to-server message types (spec.md §4.5).
const (
	MsgLossyHashReport         uint8 = 247
	MsgPersistentCacheHashList uint8 = 253
	MsgPersistentCacheQuery    uint8 = 254
	MsgCacheEviction           uint8 = 250
)

// hashMaterialSize is the fixed 16-byte on-wire hash field used by
// PersistentCacheQuery and PersistentCacheHashList (spec.md §4.5): the
// first 8 bytes are the content hash, the remainder is padding, the
// same layout as the disk index's key material (spec.md §3).
const hashMaterialSize = 16

// NegotiationOrder returns the pseudo-encodings in the order a client
// must advertise them so that a server supporting both chooses
// cross-session: PersistentCache (-321) strictly before ContentCache
// (-320) (spec.md §4.5 "Negotiation", §8 "Negotiation" testable
// property).
func NegotiationOrder() []int32 {
	return []int32{PseudoEncPersistentCache, PseudoEncContentCache}
}

func writeHashMaterial(w io.Writer, hash uint64) error {
	var b [hashMaterialSize]byte
	binary.BigEndian.PutUint64(b[0:8], hash)
	_, err := w.Write(b[:])
	return err
}

func readHashMaterial(r io.Reader) (uint64, error) {
	var b [hashMaterialSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[0:8]), nil
}

// EncodeCachedRect writes a CachedRect reference body: u64 cacheId.
// The rect encoding field that identifies this as CachedRect is
// written by the surrounding rectangle-header framing, not here
// (spec.md §4.5 "Message formats").
func EncodeCachedRect(w io.Writer, cacheID uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], cacheID)
	_, err := w.Write(b[:])
	return err
}

// DecodeCachedRect reads a CachedRect reference body.
func DecodeCachedRect(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// EncodeCachedRectInitHeader writes the u64 cacheId + i32 innerEncoding
// header of a CachedRectInit rectangle. The caller writes the inner
// encoder's own byte stream immediately afterward (spec.md §4.5:
// "followed by exactly the byte-stream a rectangle of innerEncoding
// would produce").
func EncodeCachedRectInitHeader(w io.Writer, cacheID uint64, innerEncoding int32) error {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], cacheID)
	binary.BigEndian.PutUint32(b[8:12], uint32(innerEncoding))
	_, err := w.Write(b[:])
	return err
}

// DecodeCachedRectInitHeader reads the u64 cacheId + i32 innerEncoding
// header; the caller then dispatches to the normal decoder for
// innerEncoding to consume the remaining bytes (spec.md §4.7).
func DecodeCachedRectInitHeader(r io.Reader) (cacheID uint64, innerEncoding int32, err error) {
	var b [12]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	cacheID = binary.BigEndian.Uint64(b[0:8])
	innerEncoding = int32(binary.BigEndian.Uint32(b[8:12]))
	return cacheID, innerEncoding, nil
}

// EncodeCacheEviction writes a CacheEviction message: u8 messageType;
// u8 pad; u16 pad; u32 count; u64[count] cacheIds.
func EncodeCacheEviction(w io.Writer, ids []uint64) error {
	var head [8]byte
	head[0] = MsgCacheEviction
	binary.BigEndian.PutUint32(head[4:8], uint32(len(ids)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf, id)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeCacheEviction reads a CacheEviction message body, starting
// just after the already-dispatched-on messageType byte.
func DecodeCacheEviction(r io.Reader) ([]uint64, error) {
	var head [7]byte // pad(1) + pad(2) + count(4)
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(head[3:7])
	ids := make([]uint64, count)
	buf := make([]byte, 8)
	for i := range ids {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("protocol: CacheEviction truncated at id %d: %w", i, err)
		}
		ids[i] = binary.BigEndian.Uint64(buf)
	}
	return ids, nil
}

// EncodePersistentCacheQuery writes a PersistentCacheQuery message: u8
// messageType; u16 count; then count x (u8 hashLen=16; u8[16] hash).
func EncodePersistentCacheQuery(w io.Writer, hashes []uint64) error {
	var head [3]byte
	head[0] = MsgPersistentCacheQuery
	binary.BigEndian.PutUint16(head[1:3], uint16(len(hashes)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	for _, h := range hashes {
		if err := writeBinary(w, uint8(hashMaterialSize)); err != nil {
			return err
		}
		if err := writeHashMaterial(w, h); err != nil {
			return err
		}
	}
	return nil
}

// DecodePersistentCacheQuery reads a PersistentCacheQuery message
// body, starting just after the messageType byte.
func DecodePersistentCacheQuery(r io.Reader) ([]uint64, error) {
	var countBuf [2]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint16(countBuf[:])
	hashes := make([]uint64, count)
	for i := range hashes {
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return nil, fmt.Errorf("protocol: PersistentCacheQuery truncated at entry %d: %w", i, err)
		}
		if lenByte[0] != hashMaterialSize {
			return nil, fmt.Errorf("protocol: PersistentCacheQuery unexpected hashLen %d at entry %d", lenByte[0], i)
		}
		h, err := readHashMaterial(r)
		if err != nil {
			return nil, fmt.Errorf("protocol: PersistentCacheQuery truncated hash at entry %d: %w", i, err)
		}
		hashes[i] = h
	}
	return hashes, nil
}

// HashListChunk is one chunk of a chunked PersistentCacheHashList
// advertisement (spec.md §4.5).
type HashListChunk struct {
	SequenceID  uint32
	TotalChunks uint16
	ChunkIndex  uint16
	Hashes      []uint64
}

// EncodePersistentCacheHashList writes a PersistentCacheHashList
// chunk: u8 messageType; u32 sequenceId; u16 totalChunks; u16
// chunkIndex; u16 count; then count x (u8 hashLen=16; u8[16] hash).
func EncodePersistentCacheHashList(w io.Writer, chunk HashListChunk) error {
	var head [11]byte
	head[0] = MsgPersistentCacheHashList
	binary.BigEndian.PutUint32(head[1:5], chunk.SequenceID)
	binary.BigEndian.PutUint16(head[5:7], chunk.TotalChunks)
	binary.BigEndian.PutUint16(head[7:9], chunk.ChunkIndex)
	binary.BigEndian.PutUint16(head[9:11], uint16(len(chunk.Hashes)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	for _, h := range chunk.Hashes {
		if err := writeBinary(w, uint8(hashMaterialSize)); err != nil {
			return err
		}
		if err := writeHashMaterial(w, h); err != nil {
			return err
		}
	}
	return nil
}

// DecodePersistentCacheHashList reads a PersistentCacheHashList chunk
// body, starting just after the messageType byte.
func DecodePersistentCacheHashList(r io.Reader) (HashListChunk, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return HashListChunk{}, err
	}
	chunk := HashListChunk{
		SequenceID:  binary.BigEndian.Uint32(head[0:4]),
		TotalChunks: binary.BigEndian.Uint16(head[4:6]),
		ChunkIndex:  binary.BigEndian.Uint16(head[6:8]),
	}
	count := binary.BigEndian.Uint16(head[8:10])
	chunk.Hashes = make([]uint64, count)
	for i := range chunk.Hashes {
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return HashListChunk{}, fmt.Errorf("protocol: PersistentCacheHashList truncated at entry %d: %w", i, err)
		}
		if lenByte[0] != hashMaterialSize {
			return HashListChunk{}, fmt.Errorf("protocol: PersistentCacheHashList unexpected hashLen %d at entry %d", lenByte[0], i)
		}
		h, err := readHashMaterial(r)
		if err != nil {
			return HashListChunk{}, fmt.Errorf("protocol: PersistentCacheHashList truncated hash at entry %d: %w", i, err)
		}
		chunk.Hashes[i] = h
	}
	return chunk, nil
}

// LossyHashPair is one (canonicalHash, lossyHash) report (spec.md
// §4.4 "Hash verification on lossy seeding", §4.5).
type LossyHashPair struct {
	CanonicalHash uint64
	LossyHash     uint64
}

// EncodeLossyHashReport writes a LossyHashReport message: u8
// messageType; u32 count; then count x (u64 canonicalHash, u64
// lossyHash).
func EncodeLossyHashReport(w io.Writer, pairs []LossyHashPair) error {
	var head [5]byte
	head[0] = MsgLossyHashReport
	binary.BigEndian.PutUint32(head[1:5], uint32(len(pairs)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	buf := make([]byte, 16)
	for _, p := range pairs {
		binary.BigEndian.PutUint64(buf[0:8], p.CanonicalHash)
		binary.BigEndian.PutUint64(buf[8:16], p.LossyHash)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeLossyHashReport reads a LossyHashReport message body, starting
// just after the messageType byte.
func DecodeLossyHashReport(r io.Reader) ([]LossyHashPair, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	pairs := make([]LossyHashPair, count)
	buf := make([]byte, 16)
	for i := range pairs {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("protocol: LossyHashReport truncated at entry %d: %w", i, err)
		}
		pairs[i].CanonicalHash = binary.BigEndian.Uint64(buf[0:8])
		pairs[i].LossyHash = binary.BigEndian.Uint64(buf[8:16])
	}
	return pairs, nil
}

func writeBinary(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}
