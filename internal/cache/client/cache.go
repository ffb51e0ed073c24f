package client

import (
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/arc"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/chash"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/diskstore"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/log"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/metrics"
)

// Stats is a point-in-time snapshot combining ARC counters with the
// hot/cold bookkeeping this package adds on top (spec.md §7
// "User-visible behavior").
type Stats struct {
	arc.Stats
	DiskEntries      int
	PendingEvictions int
	PendingHydration int
	Broken           bool
}

// Options configures a new Cache.
type Options struct {
	// MemBytes is the ARC byte budget (contentCache.sizeMB or
	// persistentCache.memMB converted to bytes by the caller).
	MemBytes int64
	// Disk, when non-nil, makes this a cross-session cache: inserts
	// marked persistent=true are queued for the disk store, and
	// getByKey falls through to disk on an ARC miss.
	Disk *diskstore.Store

	Instance string
	Logger   log.Logger
	Metrics  *metrics.Collectors
}

// Cache is the unified client-side pixel store of spec.md §4.3.
//
// Not safe for concurrent use without external synchronization, same
// single-threaded-cooperative contract as the ARC engine it wraps
// (spec.md §5).
type Cache struct {
	arc      *arc.Cache[Key, *Entry]
	disk     *diskstore.Store
	instance string
	logger   log.Logger
	metrics  *metrics.Collectors

	// keysByHash tracks every full Key ever seen for a given content
	// hash, so invalidateByContentId can reach entries whose width and
	// height aren't known to the caller (spec.md §4.3
	// invalidateByContentId takes only an id).
	keysByHash map[uint64]map[Key]struct{}

	pendingEvictions []uint64
	dirty            []Key // persistent inserts not yet flushed to disk

	broken bool // cross-session "hash mismatch poisoned this session" flag
}

// New constructs a Cache. Pass a nil Options.Disk for a session-only
// cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	c := &Cache{
		disk:       opts.Disk,
		instance:   opts.Instance,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		keysByHash: make(map[uint64]map[Key]struct{}),
	}
	c.arc = arc.New[Key, *Entry](opts.MemBytes, c.onEvict)
	return c
}

func (c *Cache) onEvict(key Key) {
	if c.disk != nil {
		c.disk.MarkCold(key)
	}
	c.pendingEvictions = append(c.pendingEvictions, key.ContentHash)
	if c.metrics != nil {
		c.metrics.SetPendingEvictions(len(c.pendingEvictions))
	}
}

func (c *Cache) trackKey(key Key) {
	set, ok := c.keysByHash[key.ContentHash]
	if !ok {
		set = make(map[Key]struct{}, 1)
		c.keysByHash[key.ContentHash] = set
	}
	set[key] = struct{}{}
}

func (c *Cache) untrackKey(key Key) {
	set, ok := c.keysByHash[key.ContentHash]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(c.keysByHash, key.ContentHash)
	}
}

// GetByKey looks up key; on an ARC miss with a disk store configured,
// it hydrates the entry from disk (spec.md §4.3 "Hot/cold model").
func (c *Cache) GetByKey(key Key) (*Entry, bool) {
	if e, ok := c.arc.Get(key); ok {
		if c.metrics != nil {
			c.metrics.ARCHit(c.instance)
		}
		return e, true
	}
	if c.metrics != nil {
		c.metrics.ARCMiss(c.instance)
	}
	if c.disk == nil {
		return nil, false
	}
	de, ok := c.disk.Get(key)
	if !ok {
		return nil, false
	}
	e := &Entry{
		Pixels:       de.Payload,
		Format:       de.Format,
		Width:        de.Width,
		Height:       de.Height,
		StridePixels: de.StridePixels,
		Persistent:   true,
	}
	c.arc.Insert(key, e)
	c.disk.MarkHot(key)
	c.trackKey(key)
	return e, true
}

// Insert stores pixels under key, copying them row-by-row into a
// tightly packed buffer (spec.md §7 "critical correctness rule": never
// retain the caller's padded buffer). persistent entries are queued
// for a later FlushDirtyEntries rather than written to disk
// synchronously, so a burst of inserts doesn't serialize on disk I/O.
func (c *Cache) Insert(key Key, pixels []byte, format pixelformat.Format, width, height, stridePixels int, persistent bool) {
	packed := chash.TightlyPack(pixels, format, width, height, stridePixels)
	e := &Entry{
		Pixels:       packed,
		Format:       format,
		Width:        uint16(width),
		Height:       uint16(height),
		StridePixels: uint16(width),
		Persistent:   persistent && c.disk != nil,
	}
	c.arc.Insert(key, e)
	c.trackKey(key)
	if e.Persistent {
		c.dirty = append(c.dirty, key)
	}
	if c.metrics != nil {
		c.metrics.SetARCBytesInUse(c.instance, c.arc.Stats().T1Size+c.arc.Stats().T2Size)
	}
}

// InvalidateByContentId removes every key sharing contentHash from the
// ARC lists and the disk index (spec.md §4.3 invalidateByContentId).
// Idempotent and safe on an unknown id (spec.md §8 "Idempotence").
func (c *Cache) InvalidateByContentId(contentHash uint64) {
	for key := range c.keysByHash[contentHash] {
		c.arc.Invalidate(key)
		if c.disk != nil {
			c.disk.Invalidate(key)
		}
		c.untrackKey(key)
	}
	if c.disk != nil {
		// Disk-only keys never hydrated by this Cache are not tracked above.
		for _, key := range c.disk.AllKeys() {
			if key.ContentHash == contentHash {
				c.disk.Invalidate(key)
			}
		}
	}
}

// MarkBroken flags this session's cache as poisoned after a hash
// mismatch (spec.md §4.3 "Failure behavior", §7 "Semantic" taxonomy
// entry). Once broken, callers should treat every reference as a miss
// for the remainder of the connection.
func (c *Cache) MarkBroken() { c.broken = true }

// Broken reports whether MarkBroken has been called on this instance.
func (c *Cache) Broken() bool { return c.broken }

// TakePendingEvictions drains the queue of ids evicted from RAM since
// the last call, for the protocol layer to report via CacheEviction
// (spec.md §4.3 takePendingEvictions).
func (c *Cache) TakePendingEvictions() []uint64 {
	ids := c.pendingEvictions
	c.pendingEvictions = nil
	if c.metrics != nil {
		c.metrics.SetPendingEvictions(0)
	}
	return ids
}

// GetAllContentIds enumerates every distinct content hash known to
// this cache, resident or disk-only, for hash-list advertisement
// (spec.md §4.3 getAllContentIds).
func (c *Cache) GetAllContentIds() []uint64 {
	ids := make([]uint64, 0, len(c.keysByHash))
	for h, set := range c.keysByHash {
		// keysByHash also remembers keys already evicted from RAM; only
		// resident ones count here, disk-only ones are added below.
		for key := range set {
			if c.arc.Has(key) {
				ids = append(ids, h)
				break
			}
		}
	}
	if c.disk != nil {
		seen := make(map[uint64]struct{}, len(ids))
		for _, h := range ids {
			seen[h] = struct{}{}
		}
		for _, k := range c.disk.AllKeys() {
			if _, ok := seen[k.ContentHash]; !ok {
				seen[k.ContentHash] = struct{}{}
				ids = append(ids, k.ContentHash)
			}
		}
	}
	return ids
}

// HydrateNextBatch brings up to n cold disk entries into RAM
// opportunistically (spec.md §4.3 hydrateNextBatch), returning the
// number actually hydrated.
func (c *Cache) HydrateNextBatch(n int) int {
	if c.disk == nil || n <= 0 {
		return 0
	}
	count := 0
	for _, key := range c.disk.AllKeys() {
		if count >= n {
			break
		}
		if c.arc.Has(key) {
			continue
		}
		if _, ok := c.GetByKey(key); ok {
			count++
		}
	}
	return count
}

// FlushDirtyEntries persists queued persistent inserts to disk,
// returning the number flushed (spec.md §4.3 flushDirtyEntries,
// cross-session only). After writing at least one entry it runs the
// disk store's CollectGarbage, which trims cold entries only when
// shard usage exceeds the disk budget.
func (c *Cache) FlushDirtyEntries() int {
	if c.disk == nil {
		c.dirty = nil
		return 0
	}
	count := 0
	for _, key := range c.dirty {
		e, ok := c.arc.Get(key)
		if !ok {
			continue
		}
		if err := c.disk.Put(key, e.Pixels, e.Format, e.StridePixels); err != nil {
			c.logger.Warn("persistent cache flush failed", log.Pairs{"error": err.Error()})
			continue
		}
		count++
		if c.metrics != nil {
			c.metrics.DiskFlush()
		}
	}
	if count > 0 {
		c.disk.CollectGarbage()
	}
	c.dirty = nil
	return count
}

// SaveIndex persists the disk index, a no-op for a session-only cache.
func (c *Cache) SaveIndex() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.SaveIndex()
}

// LoadIndex reloads the disk index from its on-disk representation,
// a no-op for a session-only cache.
func (c *Cache) LoadIndex() error {
	if c.disk == nil {
		return nil
	}
	if err := c.disk.LoadIndex(); err != nil {
		return err
	}
	c.keysByHash = make(map[uint64]map[Key]struct{})
	for _, k := range c.disk.AllKeys() {
		c.trackKey(k)
	}
	return nil
}

// Clear empties the ARC lists and pending queues, e.g. on a
// framebuffer resolution change (spec.md §3 "Lifecycle", §4.4
// "Resolution change"). The disk index is left intact, so its entries
// can still be hydrated by GetByKey after a Clear.
func (c *Cache) Clear() {
	c.arc.Clear()
	c.pendingEvictions = nil
	c.dirty = nil
	c.keysByHash = make(map[uint64]map[Key]struct{})
	c.broken = false
}

// Stats returns a snapshot of ARC counters plus this package's
// hot/cold bookkeeping.
func (c *Cache) Stats() Stats {
	s := Stats{
		Stats:            c.arc.Stats(),
		PendingEvictions: len(c.pendingEvictions),
		Broken:           c.broken,
	}
	if c.disk != nil {
		s.DiskEntries = c.disk.EntryCount()
		s.PendingHydration = s.DiskEntries - (s.T1Len + s.T2Len)
		if s.PendingHydration < 0 {
			s.PendingHydration = 0
		}
	}
	return s
}
