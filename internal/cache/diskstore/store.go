package diskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/AndreasBriese/bbloom"
	"github.com/golang/snappy"
	"github.com/rs/xid"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/pixelformat"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/log"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/metrics"
)

const (
	indexFileName = "index.dat"
	dirPerm       = 0700
	indexPerm     = 0600
	shardPerm     = 0600
)

// Entry is the payload-and-metadata view of one index record, handed
// back to callers on a successful Get.
type Entry struct {
	Payload      []byte // decompressed, tightly packed pixel bytes
	Format       pixelformat.Format
	Width        uint16
	Height       uint16
	StridePixels uint16
	Cold         bool
}

// Store is the on-disk half of the cross-session cache: a PCV3 index
// plus a set of append-only shard files, per spec.md §3/§4.3.
//
// Not safe for concurrent use without external synchronization,
// consistent with the single-threaded cooperative model of spec.md §5.
type Store struct {
	dir          string
	maxDiskBytes int64
	shardBytes   int64

	logger  log.Logger
	metrics *metrics.Collectors

	index       map[Key]indexEntry
	insertOrder []Key // oldest first, for GC-by-insertion-order

	bloom *bbloom.Bloom

	currentShardID   uint32
	currentShardFile *os.File
	currentShardSize int64

	maxShardID uint32
	createdAt  int64

	broken bool // set when an index load/parse error forces a fresh start
}

// Options configures a new Store.
type Options struct {
	Dir          string
	MaxDiskBytes int64
	ShardBytes   int64
	Logger       log.Logger
	Metrics      *metrics.Collectors
}

// Open creates dir if needed and loads (or initializes) its index.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ShardBytes <= 0 {
		opts.ShardBytes = 64 * 1024 * 1024
	}
	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("diskstore: mkdir %s: %w", opts.Dir, err)
	}
	s := &Store{
		dir:          opts.Dir,
		maxDiskBytes: opts.MaxDiskBytes,
		shardBytes:   opts.ShardBytes,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		index:        make(map[Key]indexEntry),
		bloom:        bbloom.New(1<<20, 0.01),
	}
	if err := s.LoadIndex(); err != nil {
		// Failure behavior per spec.md §4.3: treat the disk as empty
		// and start fresh; never fail cache construction over it.
		s.logger.Warn("persistent cache index unreadable, starting fresh", log.Pairs{"error": err.Error()})
		s.resetFresh()
	}
	if err := s.openCurrentShardForAppend(); err != nil {
		return nil, fmt.Errorf("diskstore: opening shard %d: %w", s.currentShardID, err)
	}
	return s, nil
}

func (s *Store) resetFresh() {
	old := filepath.Join(s.dir, indexFileName)
	if _, err := os.Stat(old); err == nil {
		_ = os.Rename(old, old+".corrupt-"+xid.New().String())
	}
	s.index = make(map[Key]indexEntry)
	s.insertOrder = nil
	s.bloom = bbloom.New(1<<20, 0.01)
	s.currentShardID = 0
	s.maxShardID = 0
}

func (s *Store) shardPath(id uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("shard_%04d.dat", id))
}

func (s *Store) openCurrentShardForAppend() error {
	f, err := os.OpenFile(s.shardPath(s.currentShardID), os.O_CREATE|os.O_RDWR|os.O_APPEND, shardPerm)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.currentShardFile = f
	s.currentShardSize = fi.Size()
	return nil
}

// Put compresses payload and appends it to the current shard,
// rotating shards when the configured shard size would be exceeded
// (spec.md §4.3 "Shard allocation"), then records an index entry.
func (s *Store) Put(key Key, payload []byte, format pixelformat.Format, stridePixels uint16) error {
	compressed := snappy.Encode(nil, payload)

	if s.currentShardSize+int64(len(compressed)) > s.shardBytes && s.currentShardSize > 0 {
		if err := s.rotateShard(); err != nil {
			return err
		}
	}

	offset := s.currentShardSize
	if err := writeFull(s.currentShardFile, compressed); err != nil {
		return fmt.Errorf("diskstore: writing shard %d: %w", s.currentShardID, err)
	}
	s.currentShardSize += int64(len(compressed))

	fb := format.Marshal()
	e := indexEntry{
		KeyMaterial:  keyMaterial(key.ContentHash),
		ShardID:      s.currentShardID,
		Offset:       uint64(offset),
		Size:         uint32(len(compressed)),
		Width:        key.Width,
		Height:       key.Height,
		StridePixels: stridePixels,
		Format:       fb,
	}
	if _, existed := s.index[key]; !existed {
		s.insertOrder = append(s.insertOrder, key)
	}
	s.index[key] = e
	s.bloom.Add(hashBytes(key.ContentHash))
	return nil
}

func (s *Store) rotateShard() error {
	if err := s.currentShardFile.Close(); err != nil {
		return err
	}
	s.currentShardID++
	if s.currentShardID > s.maxShardID {
		s.maxShardID = s.currentShardID
	}
	return s.openCurrentShardForAppend()
}

// Get reads back the payload for key, if present in the index. It
// never fails the caller: I/O errors are logged and returned as a
// miss (spec.md §4.3 "Disk I/O errors never fail cache operations").
func (s *Store) Get(key Key) (Entry, bool) {
	if !s.bloom.Has(hashBytes(key.ContentHash)) {
		return Entry{}, false
	}
	e, ok := s.index[key]
	if !ok {
		return Entry{}, false
	}
	payload, err := s.readShard(e.ShardID, e.Offset, e.Size)
	if err != nil {
		s.logger.Warn("diskstore read failed, treating as miss", log.Pairs{"error": err.Error()})
		return Entry{}, false
	}
	decompressed, err := snappy.Decode(nil, payload)
	if err != nil {
		s.logger.Warn("diskstore decompress failed, treating as miss", log.Pairs{"error": err.Error()})
		return Entry{}, false
	}
	if s.metrics != nil {
		s.metrics.DiskHydration()
	}
	return Entry{
		Payload:      decompressed,
		Format:       pixelformat.Unmarshal(e.Format),
		Width:        e.Width,
		Height:       e.Height,
		StridePixels: e.StridePixels,
		Cold:         e.Flags&flagCold != 0,
	}, true
}

func (s *Store) readShard(id uint32, offset uint64, size uint32) ([]byte, error) {
	var f *os.File
	var err error
	if id == s.currentShardID {
		// Read through a fresh handle; the writer keeps its own fd
		// open in append mode.
		f, err = os.Open(s.shardPath(id))
	} else {
		f, err = os.Open(s.shardPath(id))
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarkCold flips the cold flag for key, used when the wrapping ARC
// evicts the hot copy from RAM but the disk payload remains
// (spec.md §4.3 "Hot/cold model").
func (s *Store) MarkCold(key Key) {
	if e, ok := s.index[key]; ok {
		e.Flags |= flagCold
		s.index[key] = e
	}
}

// MarkHot clears the cold flag, used after a successful hydration.
func (s *Store) MarkHot(key Key) {
	if e, ok := s.index[key]; ok {
		e.Flags &^= flagCold
		s.index[key] = e
	}
}

// Has reports whether key is present in the index (hot or cold).
func (s *Store) Has(key Key) bool {
	if !s.bloom.Has(hashBytes(key.ContentHash)) {
		return false
	}
	_, ok := s.index[key]
	return ok
}

// Invalidate removes key from the index entirely. Idempotent and safe
// on unknown keys (spec.md §8 "Idempotence"). The backing shard bytes
// are not reclaimed until garbage collection or compaction runs —
// shards are never rewritten in place during steady state (spec.md
// §3).
func (s *Store) Invalidate(key Key) {
	delete(s.index, key)
	for i, k := range s.insertOrder {
		if k == key {
			s.insertOrder = append(s.insertOrder[:i], s.insertOrder[i+1:]...)
			break
		}
	}
	// Bloom filters don't support deletion; a stale positive here only
	// costs an extra map lookup that will correctly miss.
}

// AllKeys returns every key currently indexed (hot or cold), for
// hash-list advertisement (spec.md §4.3 "getAllContentIds").
func (s *Store) AllKeys() []Key {
	keys := make([]Key, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	return keys
}

// TotalShardBytes sums the apparent size of every shard file on disk.
func (s *Store) TotalShardBytes() (int64, error) {
	var total int64
	for id := uint32(0); id <= s.maxShardID; id++ {
		fi, err := os.Stat(s.shardPath(id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

// CollectGarbage trims cold entries from the index, oldest-insertion
// first, until total shard usage is below ~90% of maxDiskBytes
// (spec.md §4.3 "Garbage collection"). It does not rewrite shard
// files; it only shrinks the index. Returns the number of bytes
// notionally reclaimed (the sum of reclaimed entries' compressed
// sizes, an estimate since shard files are not rewritten).
func (s *Store) CollectGarbage() int64 {
	if s.maxDiskBytes <= 0 {
		return 0
	}
	total, err := s.TotalShardBytes()
	if err != nil || total <= s.maxDiskBytes {
		return 0
	}
	target := s.maxDiskBytes * 90 / 100

	var freed int64
	i := 0
	for total > target && i < len(s.insertOrder) {
		k := s.insertOrder[i]
		e, ok := s.index[k]
		if !ok || e.Flags&flagCold == 0 {
			i++
			continue
		}
		delete(s.index, k)
		s.insertOrder = append(s.insertOrder[:i], s.insertOrder[i+1:]...)
		freed += int64(e.Size)
		total -= int64(e.Size)
		// i intentionally not advanced: the slice shifted left.
	}
	if s.metrics != nil && freed > 0 {
		s.metrics.DiskGCBytesFreed(freed)
	}
	return freed
}

// SaveIndex persists the index atomically: it writes a temp file with
// an xid-derived unique name (so a concurrent save never collides)
// and renames it over the real index file, grounded on
// runZeroInc-conniver's/runZeroInc-sockstats' use of
// github.com/rs/xid for collision-free identifiers.
func (s *Store) SaveIndex() error {
	tmpName := filepath.Join(s.dir, "index.dat.tmp-"+xid.New().String())
	f, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, indexPerm)
	if err != nil {
		return fmt.Errorf("diskstore: creating temp index: %w", err)
	}

	h := header{
		Version:      indexVersion,
		EntryCount:   uint32(len(s.index)),
		CreatedAt:    s.createdAt,
		LastAccessAt: s.createdAt,
		MaxShardID:   s.maxShardID,
	}
	if err := writeFull(f, h.marshal()); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}

	// Deterministic order so two saves of the same state are byte-identical.
	keys := make([]Key, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ContentHash != keys[j].ContentHash {
			return keys[i].ContentHash < keys[j].ContentHash
		}
		if keys[i].Width != keys[j].Width {
			return keys[i].Width < keys[j].Width
		}
		return keys[i].Height < keys[j].Height
	})
	for _, k := range keys {
		e := s.index[k]
		if err := writeFull(f, e.marshal()); err != nil {
			f.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(s.dir, indexFileName))
}

// LoadIndex reads the index file from disk, replacing in-memory state.
// On a parse failure it returns an error; the caller (Open) treats
// that as "start fresh" per spec.md §4.3.
func (s *Store) LoadIndex() error {
	path := filepath.Join(s.dir, indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.createdAt = nowPlaceholder()
			return nil
		}
		return err
	}
	if len(data) < headerSize {
		return fmt.Errorf("diskstore: index file too short")
	}
	h, err := unmarshalHeader(data[:headerSize])
	if err != nil {
		return err
	}
	s.createdAt = h.CreatedAt
	s.maxShardID = h.MaxShardID

	idx := make(map[Key]indexEntry, h.EntryCount)
	order := make([]Key, 0, h.EntryCount)
	bloom := bbloom.New(float64(max64(int64(h.EntryCount), 1024)), 0.01)

	off := headerSize
	for i := uint32(0); i < h.EntryCount; i++ {
		if off+entrySize > len(data) {
			return fmt.Errorf("diskstore: index truncated at entry %d", i)
		}
		e, err := unmarshalEntry(data[off : off+entrySize])
		if err != nil {
			return err
		}
		off += entrySize
		contentHash := beUint64(e.KeyMaterial[0:8])
		k := Key{Width: e.Width, Height: e.Height, ContentHash: contentHash}
		idx[k] = e
		order = append(order, k)
		bloom.Add(hashBytes(contentHash))
	}
	s.index = idx
	s.insertOrder = order
	s.bloom = bloom
	return nil
}

// Close flushes the current shard file handle.
func (s *Store) Close() error {
	if s.currentShardFile != nil {
		return s.currentShardFile.Close()
	}
	return nil
}

// EntryCount returns the number of indexed entries, hot or cold.
func (s *Store) EntryCount() int { return len(s.index) }

func hashBytes(h uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(h)
		h >>= 8
	}
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// nowPlaceholder exists only so tests and callers don't need to thread
// a clock through Store construction; production callers that care
// about exact creation timestamps should set it via a future
// SetCreatedAt hook. Using a fixed epoch keeps index files
// byte-reproducible in tests.
func nowPlaceholder() int64 { return 0 }
