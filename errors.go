package fwimg

import (
	"github.com/sonyfw/fwimg/internal/codecerr"
)

// The CodecError taxonomy is defined in internal/codecerr so
// the internal codecs can return it without importing this package;
// these aliases make it part of the public surface under the usual
// names.

type Kind = codecerr.Kind

const (
	KindWrongMagic    = codecerr.KindWrongMagic
	KindWrongVersion  = codecerr.KindWrongVersion
	KindWrongChecksum = codecerr.KindWrongChecksum
	KindFrameError    = codecerr.KindFrameError
	KindUnsupported   = codecerr.KindUnsupported
	KindTruncated     = codecerr.KindTruncated
	KindMalformed     = codecerr.KindMalformed
)

type CodecError = codecerr.CodecError

// Sentinels for errors.Is comparisons, e.g. errors.Is(err, fwimg.WrongMagic).
var (
	WrongMagic    = codecerr.WrongMagic
	WrongVersion  = codecerr.WrongVersion
	WrongChecksum = codecerr.WrongChecksum
	FrameError    = codecerr.FrameError
	Unsupported   = codecerr.Unsupported
	Truncated     = codecerr.Truncated
	Malformed     = codecerr.Malformed
)

// Newf builds a CodecError of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return codecerr.Newf(kind, format, args...)
}

// Wrapf builds a CodecError of the given kind wrapping a lower-level error.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	return codecerr.Wrapf(kind, err, format, args...)
}
