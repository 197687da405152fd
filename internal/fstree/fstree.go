// Package fstree holds the universal filesystem-entry record every
// archive reader in this module yields, plus its mode-bit helpers. It
// lives in a leaf package so readers and the root API can share it
// without an import cycle; the root package re-exports all of it.
package fstree

import (
	"io"

	"golang.org/x/sys/unix"
)

// Mode-bit helpers backing UnixFile.Mode, using the same POSIX type bits
// the kernel and every archive format in scope (cramfs, ext2, FAT, cpio,
// tar, squashfs, axfs) encode on the wire, instead of hand-rolled
// constants. Sony's embedded Linux targets make unix.S_IF* the natural
// source of truth here.
const (
	ModeDir      = unix.S_IFDIR
	ModeRegular  = unix.S_IFREG
	ModeSymlink  = unix.S_IFLNK
	ModeChar     = unix.S_IFCHR
	ModeBlock    = unix.S_IFBLK
	ModeFifo     = unix.S_IFIFO
	modeTypeMask = unix.S_IFMT
)

// IsDir, IsRegular and IsSymlink test the type bits of a UnixFile.Mode.
func IsDir(mode uint32) bool     { return mode&modeTypeMask == ModeDir }
func IsRegular(mode uint32) bool { return mode&modeTypeMask == ModeRegular }
func IsSymlink(mode uint32) bool { return mode&modeTypeMask == ModeSymlink }

// UnixFile is the universal record every archive/filesystem reader in
// this module yields. Path is absolute and slash-separated
// ("" for a bare single-file archive's sole member, "/" for filesystem
// roots). Size is -1 when unknown/streaming. Contents is nil for
// directories and set for regular files and symlinks (symlink contents
// are the link target's bytes).
type UnixFile struct {
	Path     string
	Size     int64
	Mtime    int64 // seconds
	Mode     uint32
	Uid, Gid uint32
	Contents io.ReadSeeker
}
