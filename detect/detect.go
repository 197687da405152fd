// Package detect is the top-level type dispatcher over every firmware
// container this module reads: it sniffs an input image, decodes it
// with the matching reader, and returns one of the Result variants
// below. Probe order: DAT envelope, bare FDAT payload, memory-stick
// firmware, ASH, DSLR, SDM partition table, bootloader partition,
// warm-boot image.
package detect

import (
	"fmt"
	"io"

	fwimg "github.com/sonyfw/fwimg"
	"github.com/sonyfw/fwimg/internal/ancillary/ash"
	"github.com/sonyfw/fwimg/internal/ancillary/bootloader"
	"github.com/sonyfw/fwimg/internal/ancillary/dslr"
	"github.com/sonyfw/fwimg/internal/ancillary/flashparts"
	"github.com/sonyfw/fwimg/internal/ancillary/msfirm"
	"github.com/sonyfw/fwimg/internal/ancillary/wbi"
	"github.com/sonyfw/fwimg/internal/datcodec"
	"github.com/sonyfw/fwimg/internal/fdatcodec"
)

// MsKey is one entry of the memory-stick trial table: an "_ms" crypter
// catalogue name and the device's 64-byte secret.
type MsKey struct {
	Name string
	Key  []byte
}

// Result is the variant returned by Unpack; one of DatEnvelope,
// FdatPayload, MsFirm, Ash, Dslr, PartitionTable, Bootloader, Wbi.
type Result interface{ result() }

// FdatPayload is a decoded FDAT firmware payload: identity fields plus
// the embedded firmware tar and filesystem image. Files is the walked
// filesystem when the image is in a recognised format, nil otherwise.
type FdatPayload struct {
	Model       uint32
	Region      uint32
	Version     string
	IsAccessory bool
	Firmware    io.ReadSeeker
	Fs          io.ReadSeeker
	Files       []fwimg.UnixFile
}

// DatEnvelope is a full .dat container: its USB descriptor tables, the
// crypter that decrypted the FDAT chunk, and the decoded payload.
type DatEnvelope struct {
	Crypter               fwimg.CrypterID
	NormalUsbDescriptors  []fwimg.UsbDescriptor
	UpdaterUsbDescriptors []fwimg.UsbDescriptor
	IsLens                bool
	Fdat                  FdatPayload
}

// MsFirm is a decoded memory-stick firmware image.
type MsFirm struct {
	Crypter string
	Model   uint32
	Region  uint32
	Version string
	Files   []fwimg.UnixFile
}

// Ash is a decrypted ASH image; Firmware is the full decrypted stream,
// header included.
type Ash struct {
	Model    uint32
	Region   uint32
	Version  string
	Firmware io.Reader
}

// Dslr is a decoded DSLR-era firmware container.
type Dslr struct {
	Model   uint32
	Version string
	Files   []fwimg.UnixFile
}

// PartitionTable is an SDM flash partition dump; one entry per
// populated partition, in table order.
type PartitionTable struct {
	Partitions []fwimg.UnixFile
}

// BootFile is one entry of a bootloader partition's file table.
type BootFile struct {
	Name     string
	Version  string
	LoadAddr uint32
	Contents io.ReadSeeker
}

// Bootloader is a decoded bootloader partition.
type Bootloader struct {
	Files []BootFile
}

// WbiChunk is one decompressed warm-boot section.
type WbiChunk struct {
	PhysicalAddr uint32
	VirtualAddr  uint32
	Size         int64
	Contents     io.ReadSeeker
}

// Wbi is a decoded warm-boot image.
type Wbi struct {
	Chunks []WbiChunk
}

func (DatEnvelope) result()    {}
func (FdatPayload) result()    {}
func (MsFirm) result()         {}
func (Ash) result()            {}
func (Dslr) result()           {}
func (PartitionTable) result() {}
func (Bootloader) result()     {}
func (Wbi) result()            {}

func fdatPayload(src io.ReaderAt, size int64) (FdatPayload, error) {
	f, err := fdatcodec.Read(src, size)
	if err != nil {
		return FdatPayload{}, err
	}
	p := FdatPayload{
		Model:       f.Header.Model,
		Region:      f.Header.Region,
		Version:     f.Header.VersionString(),
		IsAccessory: f.Header.IsAccessory(),
		Firmware:    f.Firmware,
		Fs:          f.Fs,
	}
	if fwimg.IsArchive(f.Fs) {
		arc, err := fwimg.ReadArchive(f.Fs, f.Fs.Size())
		if err != nil {
			return FdatPayload{}, err
		}
		p.Files = arc.Files()
	}
	return p, nil
}

// Unpack sniffs and decodes the image held in the first size bytes of
// src. keys feeds the DAT/FDAT crypter trial; msKeys feeds the
// memory-stick trial. An image matching no known format returns
// WrongMagic.
func Unpack(src io.ReaderAt, size int64, keys fwimg.Keys, msKeys []MsKey) (Result, error) {
	mk := make([]msfirm.Key, len(msKeys))
	for i, k := range msKeys {
		mk[i] = msfirm.Key{Name: k.Name, Key: k.Key}
	}

	var magic8 [8]byte
	if _, err := src.ReadAt(magic8[:], 0); err == nil && datcodec.IsDat(magic8) {
		rec, err := datcodec.Read(io.NewSectionReader(src, 0, size))
		if err != nil {
			return nil, err
		}
		id, stream, err := fwimg.DecryptFdat(bytesReaderAt(rec.FirmwareData), int64(len(rec.FirmwareData)), keys)
		if err != nil {
			return nil, err
		}
		decrypted, err := io.ReadAll(stream)
		if err != nil {
			return nil, fwimg.Wrapf(fwimg.KindTruncated, err, "detect: drain decrypted fdat")
		}
		p, err := fdatPayload(bytesReaderAt(decrypted), int64(len(decrypted)))
		if err != nil {
			return nil, err
		}
		return DatEnvelope{
			Crypter:               id,
			NormalUsbDescriptors:  rec.NormalUsbDescriptors,
			UpdaterUsbDescriptors: rec.UpdaterUsbDescriptors,
			IsLens:                rec.IsLens,
			Fdat:                  p,
		}, nil
	}

	hdr := make([]byte, 512)
	if _, err := src.ReadAt(hdr, 0); err == nil && fdatcodec.IsFdat(hdr) {
		p, err := fdatPayload(src, size)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	if msfirm.Is(src, mk) {
		name, c, err := msfirm.Read(src, mk)
		if err != nil {
			return nil, err
		}
		return MsFirm{Crypter: name, Model: c.Model, Region: c.Region, Version: c.Version, Files: c.Files}, nil
	}

	if ash.Is(src) {
		f, err := ash.Read(io.NewSectionReader(src, 0, size))
		if err != nil {
			return nil, err
		}
		return Ash{Model: f.Model, Region: f.Region, Version: f.Version, Firmware: f.Contents}, nil
	}

	if dslr.Is(src) {
		f, err := dslr.Read(src, size)
		if err != nil {
			return nil, err
		}
		d := Dslr{Model: f.Model, Version: f.Version}
		for _, entry := range f.Files {
			d.Files = append(d.Files, fwimg.UnixFile{
				Path:     "/" + entry.Name,
				Size:     entry.Contents.Size(),
				Mode:     fwimg.ModeRegular | 0o775,
				Contents: entry.Contents,
			})
		}
		return d, nil
	}

	if flashparts.Is(src) {
		parts, err := flashparts.Read(src)
		if err != nil {
			return nil, err
		}
		var t PartitionTable
		for _, p := range parts {
			t.Partitions = append(t.Partitions, fwimg.UnixFile{
				Path:     fmt.Sprintf("/nflasha%d", p.Index),
				Size:     p.Contents.Size(),
				Mode:     fwimg.ModeRegular | 0o775,
				Contents: p.Contents,
			})
		}
		return t, nil
	}

	if bootloader.Is(src) {
		files, err := bootloader.Read(src)
		if err != nil {
			return nil, err
		}
		var b Bootloader
		for _, f := range files {
			b.Files = append(b.Files, BootFile{Name: f.Name, Version: f.Version, LoadAddr: f.LoadAddr, Contents: f.Contents})
		}
		return b, nil
	}

	if wbi.Is(src) {
		chunks, err := wbi.Read(src)
		if err != nil {
			return nil, err
		}
		var w Wbi
		for _, c := range chunks {
			w.Chunks = append(w.Chunks, WbiChunk{PhysicalAddr: c.PhysicalAddr, VirtualAddr: c.VirtualAddr, Size: c.Size, Contents: c.Contents})
		}
		return w, nil
	}

	return nil, fwimg.Newf(fwimg.KindWrongMagic, "detect: unrecognised image")
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
