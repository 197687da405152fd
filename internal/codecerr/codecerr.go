// Package codecerr is the single error taxonomy every reader/writer in
// this module returns on failure. It lives in a leaf package
// so that both the root API and every internal codec can share it
// without an import cycle; the root package re-exports all of it under
// the same names.
package codecerr

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies a CodecError. Callers compare
// with errors.Is against the matching sentinel (WrongMagic, WrongVersion, …)
// rather than switching on Kind directly, since a wrapped error still
// satisfies errors.Is.
type Kind int

const (
	_ Kind = iota
	KindWrongMagic
	KindWrongVersion
	KindWrongChecksum
	KindFrameError
	KindUnsupported
	KindTruncated
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindWrongMagic:
		return "wrong magic"
	case KindWrongVersion:
		return "wrong version"
	case KindWrongChecksum:
		return "wrong checksum"
	case KindFrameError:
		return "frame error"
	case KindUnsupported:
		return "unsupported"
	case KindTruncated:
		return "truncated"
	case KindMalformed:
		return "malformed"
	default:
		return "codec error"
	}
}

// CodecError carries a Kind plus whatever context was wrapped in via
// Newf/Wrapf (offsets, field values).
type CodecError struct {
	Kind Kind
	msg  string
	err  error
}

func (e *CodecError) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.msg
}

func (e *CodecError) Unwrap() error { return e.err }

// Is lets errors.Is(err, WrongMagic) match any CodecError of that Kind,
// wrapped or not.
func (e *CodecError) Is(target error) bool {
	t, ok := target.(*CodecError)
	return ok && t.Kind == e.Kind && t.msg == ""
}

// Sentinels for errors.Is comparisons.
var (
	WrongMagic    = &CodecError{Kind: KindWrongMagic}
	WrongVersion  = &CodecError{Kind: KindWrongVersion}
	WrongChecksum = &CodecError{Kind: KindWrongChecksum}
	FrameError    = &CodecError{Kind: KindFrameError}
	Unsupported   = &CodecError{Kind: KindUnsupported}
	Truncated     = &CodecError{Kind: KindTruncated}
	Malformed     = &CodecError{Kind: KindMalformed}
)

// Newf builds a CodecError of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &CodecError{Kind: kind, msg: errors.Newf(format, args...).Error()}
}

// Wrapf builds a CodecError of the given kind wrapping a lower-level error.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &CodecError{Kind: kind, msg: errors.Wrapf(err, format, args...).Error(), err: err}
}
