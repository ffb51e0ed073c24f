// Package catalog implements the server-side content-hash-indexed
// catalog of spec.md §4.4: it decides, per rectangle about to be
// encoded, whether a client already has the bytes and can be sent a
// reference, assigns ids to newly-seen content, and tracks per-client
// known-id sets and pending-init queues.
package catalog

import (
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/arc"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/metrics"
)

// Rect is the geometry and declared byte size of a rectangle the
// encoder is about to send, the information the catalog needs without
// retaining any pixel bytes (spec.md §3 "Entry (server side)").
type Rect struct {
	X, Y, Width, Height int
	ByteSize            int64
}

func (r Rect) area() int { return r.Width * r.Height }

// catalogEntry is the per-content-hash metadata the server keeps; no
// pixel bytes are ever retained server-side (spec.md §3).
type catalogEntry struct {
	id              uint64
	legacyCounterID uint64
	lastRect        Rect
	byteSize        int64
	hitCount        int64
}

// ByteSize implements arc.Sized, using the declared rectangle size
// recorded when the entry was first observed (spec.md §4.4 step 3:
// "byte sizes are the original rectangle sizes").
func (e *catalogEntry) ByteSize() int64 { return e.byteSize }

// DecisionKind distinguishes the three outcomes of tryReference.
type DecisionKind int

const (
	// NoCache means the encoder should proceed as if no cache existed.
	NoCache DecisionKind = iota
	// SendRef means the client already knows this id; emit a
	// CachedRect reference instead of encoding the rectangle.
	SendRef
	// QueueInit means the rectangle was recognized but the client
	// doesn't know this id yet; it has been queued for delivery as a
	// CachedRectInit at the end of this frame.
	QueueInit
)

// Decision is the result of tryReference (spec.md §4.4).
type Decision struct {
	Kind DecisionKind
	ID   uint64
}

// ClientState is the per-connection state owned by the connection
// object per spec.md §9's cyclic-graph redesign note: the connection
// owns this value; it is mutated only through the catalog's
// TryReference (which appends to PendingInits), NoteInit and
// NoteEviction; the protocol writer only reads KnownIDs and
// PendingInits.
type ClientState struct {
	KnownIDs     map[uint64]struct{}
	PendingInits []PendingInit
}

// PendingInit is one (id, rectangle) pair queued for delivery as a
// CachedRectInit at the next frame boundary (spec.md §4.4 step 4,
// §4.6).
type PendingInit struct {
	ID   uint64
	Rect Rect
}

// NewClientState returns an empty per-connection state for a newly
// connected viewer.
func NewClientState() *ClientState {
	return &ClientState{KnownIDs: make(map[uint64]struct{})}
}

// Catalog is the server-side hash-indexed catalog (spec.md §4.4).
//
// Not safe for concurrent use without external synchronization — the
// cache is accessed only from the frame-assembling producer thread
// (spec.md §5).
type Catalog struct {
	byHash      map[uint64]uint64 // content hash -> assigned id
	byID        map[uint64]*catalogEntry
	arc         *arc.Cache[uint64, *catalogEntry] // keyed by content hash
	minRectSize int

	nextID uint64 // process-wide monotonically increasing counter; 0 reserved

	// lossyToCanonical maps a hash the client actually computed after
	// decoding a lossy payload to the canonical hash the server would
	// have computed, the inverse direction of the wire report (spec.md
	// §4.4 "Hash verification on lossy seeding").
	lossyToCanonical map[uint64]uint64

	instance string
	metrics  *metrics.Collectors
}

// Options configures a new Catalog.
type Options struct {
	MaxBytes    int64
	MinRectSize int
	Instance    string
	Metrics     *metrics.Collectors
}

// New constructs a Catalog over an ARC instance sized for the server's
// own RAM budget (spec.md §4.4 step 3: "configured with a large RAM
// budget").
func New(opts Options) *Catalog {
	c := &Catalog{
		byHash:           make(map[uint64]uint64),
		byID:             make(map[uint64]*catalogEntry),
		minRectSize:      opts.MinRectSize,
		lossyToCanonical: make(map[uint64]uint64),
		instance:         opts.Instance,
		metrics:          opts.Metrics,
		nextID:           1, // 0 reserved for "clear all"
	}
	c.arc = arc.New[uint64, *catalogEntry](opts.MaxBytes, c.onEvict)
	return c
}

func (c *Catalog) onEvict(hash uint64) {
	if e, ok := c.byID[hash]; ok {
		delete(c.byID, e.id)
	}
	delete(c.byHash, hash)
	if c.metrics != nil {
		c.metrics.ARCEviction(c.instance)
	}
}

// TryReference implements the decision procedure of spec.md §4.4 for
// rectangle r against hash (already computed, or sampled-computed, by
// the caller in the server-mapped pixel format) on behalf of client.
func (c *Catalog) TryReference(hash uint64, r Rect, client *ClientState) Decision {
	if r.area() < c.minRectSize {
		if c.metrics != nil {
			c.metrics.CatalogNoCacheDecision(c.instance)
		}
		return Decision{Kind: NoCache}
	}

	if canonical, ok := c.lossyToCanonical[hash]; ok {
		hash = canonical
	}

	e, ok := c.arc.Get(hash)
	if !ok {
		if c.metrics != nil {
			c.metrics.CatalogNoCacheDecision(c.instance)
		}
		return Decision{Kind: NoCache}
	}
	e.hitCount++
	e.lastRect = r

	if _, known := client.KnownIDs[e.id]; known {
		if c.metrics != nil {
			c.metrics.CatalogReference(c.instance)
		}
		return Decision{Kind: SendRef, ID: e.id}
	}

	client.PendingInits = append(client.PendingInits, PendingInit{ID: e.id, Rect: r})
	if c.metrics != nil {
		c.metrics.CatalogQueueInit(c.instance)
	}
	return Decision{Kind: QueueInit, ID: e.id}
}

// RecordObserved records a rectangle the encoder just produced a
// payload for, assigning it a fresh id if its hash is not already
// catalogued (spec.md §4.4 step 5, §4.6 step 3). Returns the assigned
// or existing id. A rectangle whose area is below minRectSize is not
// recorded, and 0 is returned for it.
//
// Per SPEC_FULL.md §D, the wire id is always the content hash itself
// (truncate64(SHA-256(canonicalPixels))), on both the session-only and
// cross-session variants; nextID/legacyCounterID is retained purely as
// an informational counter and is never placed on the wire.
func (c *Catalog) RecordObserved(hash uint64, r Rect) uint64 {
	if r.area() < c.minRectSize {
		return 0
	}
	if id, ok := c.byHash[hash]; ok {
		return id
	}
	legacyCounterID := c.nextID
	c.nextID++
	e := &catalogEntry{id: hash, legacyCounterID: legacyCounterID, lastRect: r, byteSize: r.ByteSize}
	c.byHash[hash] = hash
	c.byID[hash] = e
	c.arc.Insert(hash, e)
	return hash
}

// NoteInit marks id as known to client, called after the server has
// emitted a CachedRectInit rectangle for it (spec.md §4.4 noteInit).
// Per spec.md §9, only this method may add to a connection's known-id
// set.
func (c *Catalog) NoteInit(id uint64, r Rect, client *ClientState) {
	client.KnownIDs[id] = struct{}{}
	for i, p := range client.PendingInits {
		if p.ID == id {
			client.PendingInits = append(client.PendingInits[:i], client.PendingInits[i+1:]...)
			break
		}
	}
	if e, ok := c.byID[id]; ok {
		e.lastRect = r
	}
}

// NoteEviction removes ids from client's known-id set after the
// client reports it evicted them (spec.md §4.4 noteEviction).
func (c *Catalog) NoteEviction(client *ClientState, ids []uint64) {
	for _, id := range ids {
		delete(client.KnownIDs, id)
	}
}

// RecordLossyHash registers that canonicalHash and lossyHash name the
// same content from the server's and a lossy-decoding client's
// perspectives respectively (spec.md §4.4 "Hash verification on lossy
// seeding").
func (c *Catalog) RecordLossyHash(canonicalHash, lossyHash uint64) {
	c.lossyToCanonical[lossyHash] = canonicalHash
}

// Clear resets the catalog on a framebuffer size change (spec.md §4.4
// "Resolution change"). Per-client known-id sets are the caller's
// responsibility to clear (they're owned by each connection, not the
// catalog), and so is sending the clear id (0) to each client.
func (c *Catalog) Clear() {
	c.arc.Clear()
	c.byHash = make(map[uint64]uint64)
	c.byID = make(map[uint64]*catalogEntry)
	c.lossyToCanonical = make(map[uint64]uint64)
}

// Stats returns the underlying ARC statistics for this catalog.
func (c *Catalog) Stats() arc.Stats {
	return c.arc.Stats()
}
