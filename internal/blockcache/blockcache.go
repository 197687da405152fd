// Package blockcache memoizes decompressed filesystem blocks (used by
// the cramfs reader) behind a key hashed from a source token and the block's
// offset, so re-reading the same
// block of the same source — common when a directory is listed and then
// several of its files are opened — skips the zlib/LZ77 decode.
//
// Storage is an in-memory pebble instance (vfs.NewMem(), no ambient
// files) fronted by a tinylfu admission-controlled hot tier.
package blockcache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/dgryski/go-tinylfu"
)

// Cache is a process-wide store of (sourceToken, blockOffset) -> decoded
// block bytes. A single Cache is safe for concurrent use.
type Cache struct {
	mu  sync.Mutex
	db  *pebble.DB
	hot *tinylfu.T[string, []byte]
}

// hotSlots sizes the in-process tinylfu tier; pebble's in-memory store
// behind it has no real capacity limit worth tuning here.
const hotSlots = 4096

// New opens a fresh, empty cache. Each Cache owns an independent
// in-memory pebble instance; callers should keep one Cache for the
// lifetime of the process (or test) rather than opening one per file.
func New() (*Cache, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "blockcache: open pebble")
	}
	return &Cache{db: db, hot: tinylfu.New[string, []byte](hotSlots, hotSlots*8, xxhash.Sum64String)}, nil
}

// Close releases the underlying pebble instance.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(sourceToken uint64, blockOffset int64) []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], sourceToken)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(blockOffset))
	h := xxhash.Sum64(buf[:])
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], h)
	return key[:]
}

// Get returns a previously-stored block, if any.
func (c *Cache) Get(sourceToken uint64, blockOffset int64) ([]byte, bool) {
	key := cacheKey(sourceToken, blockOffset)

	c.mu.Lock()
	if v, ok := c.hot.Get(string(key)); ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	v, closer, err := c.db.Get(key)
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)

	c.mu.Lock()
	c.hot.Add(string(key), out)
	c.mu.Unlock()

	return out, true
}

// Put stores a decoded block, keyed by the identity of its source
// (callers should derive sourceToken from something stable per open
// file, e.g. streamview's per-instance token) and its offset within
// that source.
func (c *Cache) Put(sourceToken uint64, blockOffset int64, block []byte) error {
	key := cacheKey(sourceToken, blockOffset)

	cp := make([]byte, len(block))
	copy(cp, block)

	c.mu.Lock()
	c.hot.Add(string(key), cp)
	c.mu.Unlock()

	if err := c.db.Set(key, block, pebble.NoSync); err != nil {
		return errors.Wrap(err, "blockcache: set")
	}
	return nil
}
