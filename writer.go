package fwimg

import (
	"bytes"
	"io"

	"github.com/sonyfw/fwimg/internal/blockcipher"
	"github.com/sonyfw/fwimg/internal/datcodec"
	"github.com/sonyfw/fwimg/internal/fdatcodec"
	fswriterscramfs "github.com/sonyfw/fwimg/internal/fswriters/cramfs"
	fswritersfat "github.com/sonyfw/fwimg/internal/fswriters/fat"
)

// UsbDescriptor and UsbMode mirror datcodec's UDID chunk fields, so
// callers building a DatRecord never need to reach into internal/datcodec
// directly.
type UsbDescriptor = datcodec.UsbDescriptor
type UsbMode = datcodec.UsbMode

const (
	UsbModeNormal  = datcodec.UsbModeNormal
	UsbModeUpdater = datcodec.UsbModeUpdater
)

// DatRecord is the fully-assembled contents of a .dat container: the
// two USB descriptor tables, the lens flag, and the encrypted FDAT
// payload bytes.
type DatRecord struct {
	NormalUsbDescriptors  []UsbDescriptor
	UpdaterUsbDescriptors []UsbDescriptor
	IsLens                bool
	FirmwareData          []byte
}

// WriteDat emits rec as a complete .dat container to w: the
// DATV/PROV/UDID/FDAT chunk sequence followed by a CRC-32'd DEND
// trailer.
func WriteDat(w io.Writer, rec DatRecord) error {
	return datcodec.Write(w, datcodec.Record{
		NormalUsbDescriptors:  rec.NormalUsbDescriptors,
		UpdaterUsbDescriptors: rec.UpdaterUsbDescriptors,
		IsLens:                rec.IsLens,
		FirmwareData:          rec.FirmwareData,
	})
}

// FdatHeader is the subset of an FDAT header a caller
// supplies to WriteFdat; offsets, sizes, and the header CRC are
// recomputed from fs/firmware rather than taken from the caller.
type FdatHeader struct {
	VersionMajor, VersionMinor byte
	Model, Region              uint32
}

// WriteFdat assembles a complete FDAT payload — header, filesystem
// image, firmware tar, in that order — to w. The written header always
// carries the real filesystem descriptor plus a zero-size "prod"
// placeholder, per fdatcodec.Write.
func WriteFdat(w io.Writer, h FdatHeader, fs, firmware io.Reader) error {
	return fdatcodec.Write(w, fdatcodec.Header{
		VersionMajor: h.VersionMajor,
		VersionMinor: h.VersionMinor,
		Model:        h.Model,
		Region:       h.Region,
	}, fs, firmware)
}

// blockEncrypter is the encrypt-side counterpart of namedDecrypter's
// inner interface: the subset of a crypter generation EncryptFdat needs.
// Generations 1-3 (ShaCrypter/AesCrypter/DoubleAesCrypter) implement it;
// generation 4 (AesCbcCrypter) does not, since it is decrypt-only by
// design.
type blockEncrypter interface {
	blockcipher.BlockEncrypter
	DecryptBlockSize() int
}

func buildEncrypter(id CrypterID, k blockcipher.Keys) (blockEncrypter, error) {
	switch crypterGeneration[id] {
	case genSha:
		return blockcipher.NewShaCrypter(k), nil
	case genAes:
		return blockcipher.NewAesCrypter(k)
	case genDoubleAes:
		return blockcipher.NewDoubleAesCrypter(k)
	default:
		return nil, Newf(KindUnsupported, "crypter %s has no encrypt path", id)
	}
}

// EncryptFdat frames plaintext (a complete FDAT payload, typically from
// WriteFdat) under the named crypter — the encrypt-side dual of
// DecryptFdat. id must name a generation 1-3 crypter; CXD90045 (gen 4,
// AES-CBC) has no encrypt path and returns Unsupported.
func EncryptFdat(id CrypterID, keys Keys, plaintext io.Reader) (io.ReadSeeker, error) {
	k, ok := keys[id]
	if !ok {
		return nil, Newf(KindUnsupported, "no keys supplied for crypter %s", id)
	}
	enc, err := buildEncrypter(id, k)
	if err != nil {
		return nil, err
	}
	cf, err := blockcipher.Encrypt(plaintext, enc, enc.DecryptBlockSize())
	if err != nil {
		return nil, Wrapf(KindMalformed, err, "crypter %s: encrypt", id)
	}
	return cf, nil
}

// DetectAndUnpack is the top-level convenience entry point:
// given a raw image — either a full .dat container or a bare FDAT
// payload — it strips the .dat wrapper if present, trial-decrypts the
// FDAT payload, parses its header, and walks the embedded filesystem
// image, returning the winning crypter, the decoded FDAT file, and the
// walked archive in one call.
func DetectAndUnpack(r io.Reader, keys Keys) (CrypterID, fdatcodec.File, *Archive, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fdatcodec.File{}, nil, Wrapf(KindTruncated, err, "detectandunpack: read input")
	}

	fdatBytes := raw
	if len(raw) >= 8 {
		var magic [8]byte
		copy(magic[:], raw)
		if datcodec.IsDat(magic) {
			rec, err := datcodec.Read(bytes.NewReader(raw))
			if err != nil {
				return "", fdatcodec.File{}, nil, err
			}
			fdatBytes = rec.FirmwareData
		}
	}

	id, stream, err := DecryptFdat(bytes.NewReader(fdatBytes), int64(len(fdatBytes)), keys)
	if err != nil {
		return "", fdatcodec.File{}, nil, err
	}
	decrypted, err := io.ReadAll(stream)
	if err != nil {
		return "", fdatcodec.File{}, nil, Wrapf(KindTruncated, err, "detectandunpack: drain decrypted stream")
	}

	f, err := fdatcodec.Read(bytes.NewReader(decrypted), int64(len(decrypted)))
	if err != nil {
		return "", fdatcodec.File{}, nil, err
	}

	arc, err := ReadArchive(f.Fs, f.Fs.Size())
	if err != nil {
		return "", fdatcodec.File{}, nil, err
	}

	return id, f, arc, nil
}

// WriteCramfs assembles files into a cramfs image, written to w.
func WriteCramfs(files []UnixFile, w io.Writer) error {
	return fswriterscramfs.Write(files, w)
}

// WriteFat assembles files into a FAT12 image of exactly size bytes,
// written to w.
func WriteFat(files []UnixFile, size int64, w io.Writer) error {
	return fswritersfat.Write(files, size, w)
}
