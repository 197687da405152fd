package fwimg

import (
	"github.com/sonyfw/fwimg/internal/fstree"
)

// UnixFile and its mode helpers live in internal/fstree so every reader
// can yield them without importing this package; the aliases below are
// the public names.

type UnixFile = fstree.UnixFile

const (
	ModeDir     = fstree.ModeDir
	ModeRegular = fstree.ModeRegular
	ModeSymlink = fstree.ModeSymlink
	ModeChar    = fstree.ModeChar
	ModeBlock   = fstree.ModeBlock
	ModeFifo    = fstree.ModeFifo
)

// IsDir, IsRegular and IsSymlink test the type bits of a UnixFile.Mode.
func IsDir(mode uint32) bool     { return fstree.IsDir(mode) }
func IsRegular(mode uint32) bool { return fstree.IsRegular(mode) }
func IsSymlink(mode uint32) bool { return fstree.IsSymlink(mode) }
