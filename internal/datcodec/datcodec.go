// Package datcodec reads and writes the outer `.dat` TLV chunk
// container: an 8-byte magic, a sequence of big-endian
// {size, type, payload} chunks, terminated by a DEND chunk whose
// payload is the CRC-32 of everything before it.
package datcodec

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
)

var datMagic = [8]byte{0x89, 0x55, 0x46, 0x55, 0x0d, 0x0a, 0x1a, 0x0a}

const (
	chunkDATV = "DATV"
	chunkPROV = "PROV"
	chunkUDID = "UDID"
	chunkFDAT = "FDAT"
	chunkDEND = "DEND"
)

const (
	dataVersion     = 0x0100
	protocolVersion = 0x0100
)

// UsbMode distinguishes the two USB descriptor roles multiplexed into a
// single UDID chunk.
type UsbMode uint8

const (
	UsbModeNormal  UsbMode = 1
	UsbModeUpdater UsbMode = 2
)

// UsbDescriptor is one {pid, vid} entry within the UDID chunk.
type UsbDescriptor struct {
	Pid, Vid uint16
}

// Record is the fully-parsed contents of a .dat container.
type Record struct {
	NormalUsbDescriptors  []UsbDescriptor
	UpdaterUsbDescriptors []UsbDescriptor
	IsLens                bool
	FirmwareData          []byte
}

// IsDat sniffs the 8-byte magic without consuming past it.
func IsDat(header [8]byte) bool {
	return header == datMagic
}

type chunkHeader struct {
	size uint32
	typ  [4]byte
}

func readChunkHeader(r io.Reader) (chunkHeader, error) {
	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return chunkHeader{}, err
	}
	var h chunkHeader
	h.size = binary.BigEndian.Uint32(raw[0:4])
	copy(h.typ[:], raw[4:8])
	return h, nil
}

// Read parses a .dat container from r, which must be positioned at the
// start of the magic.
func Read(r io.Reader) (Record, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Record{}, codecerr.Wrapf(codecerr.KindTruncated, err, "datcodec: read magic")
	}
	if magic != datMagic {
		return Record{}, codecerr.Newf(codecerr.KindWrongMagic, "datcodec: wrong magic")
	}

	crc := crc32.NewIEEE()
	crc.Write(magic[:])

	var rec Record
	sawDatv, sawProv, sawFdat := false, false, false

	for {
		var rawHeader [8]byte
		if _, err := io.ReadFull(r, rawHeader[:]); err != nil {
			return Record{}, codecerr.Wrapf(codecerr.KindTruncated, err, "datcodec: read chunk header")
		}
		size := binary.BigEndian.Uint32(rawHeader[0:4])
		typ := string(rawHeader[4:8])

		if typ == chunkDEND {
			if size != 4 {
				return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: DEND payload must be 4 bytes")
			}
			var crcBuf [4]byte
			if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
				return Record{}, codecerr.Wrapf(codecerr.KindTruncated, err, "datcodec: read DEND payload")
			}
			want := binary.BigEndian.Uint32(crcBuf[:])
			if crc.Sum32() != want {
				return Record{}, codecerr.Newf(codecerr.KindWrongChecksum, "datcodec: CRC mismatch: got %#x want %#x", crc.Sum32(), want)
			}
			if !sawDatv || !sawProv || !sawFdat {
				return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: missing required chunk")
			}
			var extra [1]byte
			if n, _ := r.Read(extra[:]); n != 0 {
				return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: data after DEND chunk")
			}
			return rec, nil
		}

		crc.Write(rawHeader[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Record{}, codecerr.Wrapf(codecerr.KindTruncated, err, "datcodec: read chunk payload")
		}
		crc.Write(payload)

		switch typ {
		case chunkDATV:
			if size != 4 {
				return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: DATV must be 4 bytes")
			}
			if binary.BigEndian.Uint16(payload[0:2]) != dataVersion {
				return Record{}, codecerr.Newf(codecerr.KindWrongVersion, "datcodec: unsupported dataVersion")
			}
			rec.IsLens = binary.BigEndian.Uint16(payload[2:4]) != 0
			sawDatv = true

		case chunkPROV:
			if size != 4 {
				return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: PROV must be 4 bytes")
			}
			if binary.BigEndian.Uint16(payload[0:2]) != protocolVersion {
				return Record{}, codecerr.Newf(codecerr.KindWrongVersion, "datcodec: unsupported protocolVersion")
			}
			sawProv = true

		case chunkUDID:
			if len(payload) < 4 {
				return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: UDID truncated")
			}
			count := binary.BigEndian.Uint32(payload[0:4])
			off := 4
			for i := uint32(0); i < count; i++ {
				if off+8 > len(payload) {
					return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: UDID descriptor truncated")
				}
				pid := binary.BigEndian.Uint16(payload[off : off+2])
				vid := binary.BigEndian.Uint16(payload[off+2 : off+4])
				mode := UsbMode(payload[off+4])
				switch mode {
				case UsbModeNormal:
					rec.NormalUsbDescriptors = append(rec.NormalUsbDescriptors, UsbDescriptor{Pid: pid, Vid: vid})
				case UsbModeUpdater:
					rec.UpdaterUsbDescriptors = append(rec.UpdaterUsbDescriptors, UsbDescriptor{Pid: pid, Vid: vid})
				default:
					return Record{}, codecerr.Newf(codecerr.KindMalformed, "datcodec: unknown USB descriptor mode %d", mode)
				}
				off += 8
			}

		case chunkFDAT:
			rec.FirmwareData = payload
			sawFdat = true

		default:
			// Unknown chunk types are tolerated (forward compatibility);
			// they still count toward the CRC.
		}
	}
}

// Write emits rec as a .dat container to w, in the fixed chunk order
// DATV, PROV, UDID, FDAT, DEND, computing the trailing CRC.
func Write(w io.Writer, rec Record) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if _, err := mw.Write(datMagic[:]); err != nil {
		return err
	}

	writeChunk := func(typ string, payload []byte) error {
		var header [8]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
		copy(header[4:8], typ)
		if _, err := mw.Write(header[:]); err != nil {
			return err
		}
		_, err := mw.Write(payload)
		return err
	}

	var datv [4]byte
	binary.BigEndian.PutUint16(datv[0:2], dataVersion)
	if rec.IsLens {
		binary.BigEndian.PutUint16(datv[2:4], 1)
	}
	if err := writeChunk(chunkDATV, datv[:]); err != nil {
		return err
	}

	var prov [4]byte
	binary.BigEndian.PutUint16(prov[0:2], protocolVersion)
	if err := writeChunk(chunkPROV, prov[:]); err != nil {
		return err
	}

	total := len(rec.NormalUsbDescriptors) + len(rec.UpdaterUsbDescriptors)
	udid := make([]byte, 4+8*total)
	binary.BigEndian.PutUint32(udid[0:4], uint32(total))
	off := 4
	putDescriptors := func(descs []UsbDescriptor, mode UsbMode) {
		for _, d := range descs {
			binary.BigEndian.PutUint16(udid[off:off+2], d.Pid)
			binary.BigEndian.PutUint16(udid[off+2:off+4], d.Vid)
			udid[off+4] = byte(mode)
			off += 8
		}
	}
	putDescriptors(rec.NormalUsbDescriptors, UsbModeNormal)
	putDescriptors(rec.UpdaterUsbDescriptors, UsbModeUpdater)
	if err := writeChunk(chunkUDID, udid); err != nil {
		return err
	}

	if err := writeChunk(chunkFDAT, rec.FirmwareData); err != nil {
		return err
	}

	var dend [4]byte
	binary.BigEndian.PutUint32(dend[:], crc.Sum32())
	var dendHeader [8]byte
	binary.BigEndian.PutUint32(dendHeader[0:4], 4)
	copy(dendHeader[4:8], chunkDEND)
	if _, err := w.Write(dendHeader[:]); err != nil {
		return err
	}
	_, err := w.Write(dend[:])
	return err
}
