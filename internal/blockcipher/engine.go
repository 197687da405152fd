// Package blockcipher implements the block-framed stream-cipher
// envelope: a fixed-size ciphertext block decrypts to a plaintext
// block carrying a 4-byte frame header (checksum + length/end-flag) in
// front of its payload. Four cipher generations share this framing;
// engine.go holds the frame-driving pipeline, crypters.go the four
// realisations (SHA-1 keystream, AES-ECB, double AES-ECB, AES-CBC).
// trial.go tries the realisations in order until one accepts the input.
package blockcipher

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/sonyfw/fwimg/internal/streamview"
)

// BlockDecrypter decrypts one fixed-size ciphertext block. i is the
// block's zero-based index; isFirst/isLast are supplied by the driving
// pipeline so stateful/position-dependent crypters (ShaCrypter's rolling
// digest, DoubleAesCrypter's first-block special case) can react.
type BlockDecrypter interface {
	DecryptBlock(i int, isFirst, isLast bool, ciphertext []byte) []byte
}

// BlockEncrypter is the dual of BlockDecrypter, used by the encrypt path
// (generations 1-3 only; gen 4 is decrypt-only).
type BlockEncrypter interface {
	EncryptBlock(i int, isFirst, isLast bool, plaintext []byte) []byte
}

// ErrFunc lets the caller supply its own error constructors;
// blockcipher itself only needs the "FrameError", "Truncated" and
// "Unsupported" kinds and has no opinion on the error type they build.
type ErrFunc func(kind string, format string, args ...any) error

// Pipeline drives framed-block decryption: read fixed ciphertext blocks
// until the declared total is exhausted, decrypt each, and verify the
// embedded checksum and end-of-stream flag.
type Pipeline struct {
	src            io.ReaderAt
	state          BlockDecrypter
	decryptBlockSz int
	nBlocks        int
	i              int
	errf           ErrFunc
}

// NewPipeline constructs a Pipeline over exactly totalSize bytes of
// ciphertext (totalSize must be an exact multiple of decryptBlockSize;
// callers responsible for trimming any out-of-band trailer, e.g. the
// gen-4 IV, before calling this).
func NewPipeline(src io.ReaderAt, totalSize int64, state BlockDecrypter, decryptBlockSize int, errf ErrFunc) (*Pipeline, error) {
	if decryptBlockSize <= 4 {
		return nil, errors.Newf("blockcipher: invalid block size %d", decryptBlockSize)
	}
	if totalSize%int64(decryptBlockSize) != 0 {
		return nil, errf("Truncated", "ciphertext length %d is not a multiple of block size %d", totalSize, decryptBlockSize)
	}
	return &Pipeline{
		src:            src,
		state:          state,
		decryptBlockSz: decryptBlockSize,
		nBlocks:        int(totalSize / int64(decryptBlockSize)),
		errf:           errf,
	}, nil
}

// Next decrypts and frame-checks the next block, returning its payload
// and whether it was flagged as the final block. err is io.EOF once all
// blocks have been consumed.
func (p *Pipeline) Next() (payload []byte, end bool, err error) {
	if p.i >= p.nBlocks {
		return nil, true, io.EOF
	}

	raw := make([]byte, p.decryptBlockSz)
	if _, err := p.src.ReadAt(raw, int64(p.i)*int64(p.decryptBlockSz)); err != nil {
		return nil, false, errors.Wrap(err, "blockcipher: read ciphertext block")
	}

	isFirst := p.i == 0
	isLastRead := p.i == p.nBlocks-1
	plain := p.state.DecryptBlock(p.i, isFirst, isLastRead, raw)
	if len(plain) < 4 {
		return nil, false, p.errf("FrameError", "decrypted block %d shorter than frame header", p.i)
	}

	checksum := binary.LittleEndian.Uint16(plain[0:2])
	sizeAndEnd := binary.LittleEndian.Uint16(plain[2:4])
	size := int(sizeAndEnd & 0x7fff)
	endFlag := sizeAndEnd&0x8000 != 0

	if computeChecksum(plain[2:]) != checksum {
		return nil, false, p.errf("FrameError", "block %d: checksum mismatch", p.i)
	}
	if endFlag != isLastRead {
		return nil, false, p.errf("FrameError", "block %d: end-flag %v but isLastRead %v", p.i, endFlag, isLastRead)
	}
	if 4+size > len(plain) {
		return nil, false, p.errf("FrameError", "block %d: declared payload length %d overruns block", p.i, size)
	}

	p.i++
	return plain[4 : 4+size], endFlag, nil
}

// computeChecksum sums the little-endian 16-bit words of b, mod 2^16. If
// b has an odd length, the trailing byte is treated as the low byte of a
// zero-extended word (matches how every crypter pads its final block to
// an even count of data bytes before the checksum is taken).
func computeChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1])
	}
	return uint16(sum)
}

// Decrypt drives a full Pipeline into a lazily-produced ChunkedFile of
// concatenated payload bytes. The ChunkedFile's Factory rebuilds a fresh
// Pipeline on every restart, since Pipeline.Next is stateful.
func Decrypt(src io.ReaderAt, totalSize int64, state BlockDecrypter, decryptBlockSize int, errf ErrFunc) (*streamview.ChunkedFile, error) {
	// Validate eagerly so callers doing trial detection see the error
	// before committing to a ChunkedFile.
	if _, err := NewPipeline(src, totalSize, state, decryptBlockSize, errf); err != nil {
		return nil, err
	}

	factory := func() streamview.Producer {
		pipe, err := NewPipeline(src, totalSize, state, decryptBlockSize, errf)
		return func() ([]byte, error) {
			if err != nil {
				return nil, err
			}
			payload, end, nextErr := pipe.Next()
			if nextErr != nil && nextErr != io.EOF {
				return nil, nextErr
			}
			if end {
				return payload, io.EOF
			}
			return payload, nil
		}
	}

	return streamview.New(factory, -1), nil
}

// EncryptFrame builds one encrypted block's plaintext frame: a 4-byte
// header (checksum computed over the padded payload region, length, and
// end flag) followed by payload padded with 0xFF out to
// decryptBlockSize-2, i.e. decryptBlockSize-4 bytes of payload+padding.
func EncryptFrame(payload []byte, decryptBlockSize int, isLast bool) []byte {
	body := make([]byte, decryptBlockSize-2)
	n := copy(body[2:], payload)
	for i := 2 + n; i < len(body); i++ {
		body[i] = 0xff
	}
	sizeAndEnd := uint16(len(payload)) & 0x7fff
	if isLast {
		sizeAndEnd |= 0x8000
	}
	binary.LittleEndian.PutUint16(body[0:2], sizeAndEnd)

	frame := make([]byte, decryptBlockSize)
	binary.LittleEndian.PutUint16(frame[0:2], computeChecksum(body))
	copy(frame[2:], body)
	return frame
}

// Encrypt consumes plaintext from r in encryptBlockSize chunks (one
// block of lookahead to detect the final, possibly short, block) and
// produces the framed ciphertext as a ChunkedFile.
func Encrypt(r io.Reader, state BlockEncrypter, decryptBlockSize int) (*streamview.ChunkedFile, error) {
	encryptBlockSize := decryptBlockSize - 4

	return streamview.New(func() streamview.Producer {
		i := 0
		var lookahead []byte
		haveLookahead := false
		eof := false

		readChunk := func() ([]byte, bool, error) {
			buf := make([]byte, encryptBlockSize)
			n, err := io.ReadFull(r, buf)
			if err == io.ErrUnexpectedEOF {
				// A short chunk still carries data; the next read reports EOF.
				return buf[:n], false, nil
			}
			if err == io.EOF {
				return nil, true, nil
			}
			if err != nil {
				return nil, false, err
			}
			return buf, false, nil
		}

		return func() ([]byte, error) {
			if eof {
				return nil, io.EOF
			}
			if !haveLookahead {
				chunk, atEOF, err := readChunk()
				if err != nil {
					return nil, err
				}
				lookahead, eof = chunk, atEOF
				haveLookahead = true
				if eof {
					return nil, io.EOF
				}
			}

			cur := lookahead
			haveLookahead = false

			next, atEOF, err := readChunk()
			if err != nil {
				return nil, err
			}
			lookahead, eof = next, atEOF
			haveLookahead = !atEOF

			isFirst := i == 0
			isLast := atEOF
			plain := EncryptFrame(cur, decryptBlockSize, isLast)
			ct := state.EncryptBlock(i, isFirst, isLast, plain)
			i++
			if isLast {
				return ct, io.EOF
			}
			return ct, nil
		}
	}, -1), nil
}
