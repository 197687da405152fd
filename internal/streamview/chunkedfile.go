package streamview

import (
	"io"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// Producer yields the next chunk of a ChunkedFile's contents, returning
// io.EOF (with a possibly non-empty final chunk) once exhausted.
type Producer func() (chunk []byte, err error)

// Factory restarts a Producer from the beginning. Seek(0, SeekStart)
// calls Factory again unless the fully drained stream is already held
// in the stream cache, so it must be safe to invoke repeatedly and
// independently of any Producer it previously returned.
type Factory func() Producer

// ChunkedFile presents a Factory-restartable generator of byte chunks as
// a read-only stream. Seeking is legal only to absolute 0 (restart) or
// absolute end (skip to EOF, which requires a known size); any other
// seek returns an error. This is deliberately narrower than io.Seeker's
// contract because nested readers only ever need to rewind or skip to
// the end.
type ChunkedFile struct {
	factory Factory
	size    int64 // -1 if unknown
	token   uint64

	prod Producer
	buf  []byte
	pos  int64
	done bool // producer exhausted (pos == total read so far)

	recording []byte // accumulates the stream for caching, nil once abandoned
}

var tokenSeq uint64

// New constructs a ChunkedFile. size is -1 if the total length is not
// known in advance; Read then never short-circuits on a declared length,
// and Seek(0, SeekEnd) is illegal.
func New(factory Factory, size int64) *ChunkedFile {
	c := &ChunkedFile{
		factory: factory,
		size:    size,
		token:   atomic.AddUint64(&tokenSeq, 1),
	}
	c.restart()
	return c
}

func (c *ChunkedFile) Size() int64 { return c.size }

func (c *ChunkedFile) Tell() int64 { return c.pos }

func (c *ChunkedFile) restart() {
	if cached, ok := fullStreamCache.lookup(c.token); ok {
		c.prod = producerOverBytes(cached)
		c.recording = nil // already cached, no need to re-record
	} else {
		c.prod = c.factory()
		if c.size >= 0 && c.size <= maxCacheableStream {
			c.recording = make([]byte, 0, c.size)
		} else {
			c.recording = nil
		}
	}
	c.buf = nil
	c.pos = 0
	c.done = false
}

func producerOverBytes(b []byte) Producer {
	done := false
	return func() ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return b, io.EOF
	}
}

// Seek implements the restricted contract: only (0, SeekStart) and
// (0, SeekEnd) succeed.
func (c *ChunkedFile) Seek(offset int64, whence int) (int64, error) {
	switch {
	case whence == io.SeekStart && offset == 0:
		c.restart()
		return 0, nil
	case whence == io.SeekEnd && offset == 0:
		if c.size < 0 {
			return 0, io.ErrUnexpectedEOF
		}
		for !c.done {
			if _, err := c.fill(); err != nil && err != io.EOF {
				return c.pos, err
			}
		}
		c.pos += int64(len(c.buf))
		c.buf = nil
		return c.pos, nil
	default:
		return 0, io.ErrUnexpectedEOF
	}
}

// fill pulls the next chunk from the producer into buf, recording it and
// checking the declared size invariant when the producer is exhausted.
func (c *ChunkedFile) fill() (bool, error) {
	chunk, err := c.prod()
	if len(chunk) > 0 {
		c.buf = append(c.buf, chunk...)
		if c.recording != nil {
			c.recording = append(c.recording, chunk...)
		}
	}
	if err == io.EOF {
		c.done = true
		total := c.pos + int64(len(c.buf))
		if c.size >= 0 && total != c.size {
			return false, io.ErrUnexpectedEOF
		}
		if c.recording != nil {
			fullStreamCache.store(c.token, c.recording)
			c.recording = nil
		}
		return false, io.EOF
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *ChunkedFile) Read(p []byte) (int, error) {
	for len(c.buf) == 0 && !c.done {
		if _, err := c.fill(); err != nil && err != io.EOF {
			return 0, err
		}
	}
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	c.pos += int64(n)
	return n, nil
}

const maxCacheableStream = 16 << 20

// fullStreamCache memoizes fully-drained ChunkedFile contents so that a
// Seek(0, SeekStart) followed by a full re-read (common when a directory
// listing is parsed, then its files are opened) does not repeat whatever
// expensive decode the Factory performs. Tiny-LFU admission keeps one-shot
// streams (the overwhelming majority) from evicting genuinely reused ones.
var fullStreamCache = newStreamCache(256 << 20)

type streamCache struct {
	c *tinylfu.T[string, []byte]
}

func newStreamCache(bytesBudget int) *streamCache {
	// Each slot holds a variable-size []byte; size the slot count for an
	// assumed average of 64KiB per cached stream, tinylfu.New(size, samples).
	const avg = 64 << 10
	n := bytesBudget / avg
	if n < 128 {
		n = 128
	}
	return &streamCache{c: tinylfu.New[string, []byte](n, n*8, xxhash.Sum64String)}
}

func (s *streamCache) key(token uint64) string {
	var b [8]byte
	for i := range b {
		b[i] = byte(token >> (8 * i))
	}
	h := xxhash.Sum64(b[:])
	return string(append(b[:0:0], byte(h), byte(h>>8), byte(h>>16), byte(h>>24), byte(h>>32), byte(h>>40), byte(h>>48), byte(h>>56)))
}

func (s *streamCache) lookup(token uint64) ([]byte, bool) {
	v, ok := s.c.Get(s.key(token))
	if !ok {
		return nil, false
	}
	return v, true
}

func (s *streamCache) store(token uint64, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	s.c.Add(s.key(token), cp)
}
