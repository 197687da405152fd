// Package structpack implements the declarative binary record descriptor
// used throughout the firmware codecs: a named, ordered list of
// fixed-width fields (plus unnamed padding) that can be unpacked from a
// byte slice or a stream, and packed back into bytes.
//
// A Desc is compiled once at package init and shared; unpack allocates
// only the returned record.
package structpack

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

type Order int

const (
	LittleEndian Order = iota
	BigEndian
)

func (o Order) byteOrder() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

type kind int

const (
	kInt8 kind = iota
	kInt16
	kInt32
	kInt64
	kBytes
	kPad
)

// Field describes one member of a Desc. Construct with Int8/Int16/Int32/Int64/Bytes/Pad.
type Field struct {
	name string
	kind kind
	n    int // byte width for kBytes/kPad
}

func Int8(name string) Field  { return Field{name: name, kind: kInt8} }
func Int16(name string) Field { return Field{name: name, kind: kInt16} }
func Int32(name string) Field { return Field{name: name, kind: kInt32} }
func Int64(name string) Field { return Field{name: name, kind: kInt64} }
func Bytes(name string, n int) Field { return Field{name: name, kind: kBytes, n: n} }
func Pad(n int) Field                { return Field{kind: kPad, n: n} }

func (f Field) size() int {
	switch f.kind {
	case kInt8:
		return 1
	case kInt16:
		return 2
	case kInt32:
		return 4
	case kInt64:
		return 8
	default:
		return f.n
	}
}

// Desc is a compiled record descriptor: field order, endianness, and total size.
type Desc struct {
	order  Order
	fields []Field
	size   int
}

// New compiles a Desc. Field order is significant: it is both the unpack/pack order
// and the on-wire byte order.
func New(order Order, fields ...Field) *Desc {
	d := &Desc{order: order, fields: fields}
	for _, f := range fields {
		d.size += f.size()
	}
	return d
}

func (d *Desc) Size() int { return d.size }

// Record is the named field bag produced by Unpack and consumed by Pack.
// Integer fields are uint8/uint16/uint32/uint64; Bytes fields are []byte
// of exactly their declared width (not trimmed of trailing NULs).
type Record map[string]any

// UnpackBytes reads Size() bytes starting at offset in b and returns the
// decoded record. ok is false (with a nil record) iff fewer than Size()
// bytes remain — the same "absent" signal magic sniffers rely on to
// report false rather than erroring.
func (d *Desc) UnpackBytes(b []byte, offset int) (rec Record, ok bool) {
	if offset < 0 || offset+d.size > len(b) {
		return nil, false
	}
	return d.decode(b[offset : offset+d.size]), true
}

// UnpackReader reads Size() bytes from r (from its current position) and
// decodes them. ok is false (nil error) on a short/empty read; other
// read errors propagate.
func (d *Desc) UnpackReader(r io.Reader) (rec Record, ok bool, err error) {
	buf := make([]byte, d.size)
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if n < d.size {
		return nil, false, nil
	}
	return d.decode(buf), true, nil
}

func (d *Desc) decode(b []byte) Record {
	order := d.order.byteOrder()
	rec := make(Record, len(d.fields))
	off := 0
	for _, f := range d.fields {
		n := f.size()
		chunk := b[off : off+n]
		switch f.kind {
		case kInt8:
			rec[f.name] = chunk[0]
		case kInt16:
			rec[f.name] = order.Uint16(chunk)
		case kInt32:
			rec[f.name] = order.Uint32(chunk)
		case kInt64:
			rec[f.name] = order.Uint64(chunk)
		case kBytes:
			cp := make([]byte, n)
			copy(cp, chunk)
			rec[f.name] = cp
		case kPad:
			// unnamed, discarded
		}
		off += n
	}
	return rec
}

// Pack emits Size() bytes for the named fields in values. Missing integer
// fields pack as zero; missing Bytes fields pack as all-zero of the
// declared width; padding always packs as zero.
func (d *Desc) Pack(values Record) []byte {
	order := d.order.byteOrder()
	out := make([]byte, d.size)
	off := 0
	for _, f := range d.fields {
		n := f.size()
		chunk := out[off : off+n]
		switch f.kind {
		case kInt8:
			chunk[0] = byte(toUint64(values[f.name]))
		case kInt16:
			order.PutUint16(chunk, uint16(toUint64(values[f.name])))
		case kInt32:
			order.PutUint32(chunk, uint32(toUint64(values[f.name])))
		case kInt64:
			order.PutUint64(chunk, toUint64(values[f.name]))
		case kBytes:
			if v, ok := values[f.name].([]byte); ok {
				copy(chunk, v)
			} else if v, ok := values[f.name].(string); ok {
				copy(chunk, v)
			}
		case kPad:
			// zero
		}
		off += n
	}
	return out
}

func toUint64(v any) uint64 {
	switch x := v.(type) {
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case int:
		return uint64(x)
	default:
		return 0
	}
}

// ErrShort is returned by callers (not by this package) to signal a
// required-but-absent record, distinct from structural corruption.
var ErrShort = errors.New("structpack: short read")
