package blockcipher

import (
	"io"

	"github.com/sonyfw/fwimg/internal/streamview"
)

// Decrypter is the full decrypt-side surface a crypter realisation must
// expose to take part in trial detection: its catalogue name, its cipher
// block size, and the per-block decrypt primitive.
type Decrypter interface {
	Name() string
	DecryptBlockSize() int
	BlockDecrypter
}

// Candidate pairs a Decrypter with the span of src it should be run
// over. Most generations cover the whole source; AES-CBC (gen 4) excludes
// its trailing IV region, so its effective size differs per candidate.
type Candidate struct {
	Decrypter
	TotalSize int64
}

// peekLen bounds how much of a candidate's decrypted stream trial
// detection reads before asking isValid to judge it. FDAT's magic and
// trailing-zero check live well within the first two crypter blocks, so
// this stays small regardless of which generation is under trial.
const peekLen = 2048

// TrialDecrypt tries each candidate crypter in order, decrypting just
// enough of the front of the stream to run isValid against it. The first
// candidate whose decrypted prefix satisfies isValid wins: its full
// stream is rewound to the start and returned alongside its catalogue
// name. isFrameError distinguishes a wrong-crypter guess (swallowed, so
// the search continues) from a genuine I/O or other structural failure
// (propagated immediately). Ordering is part of the contract
// and candidates are never tried in parallel.
func TrialDecrypt(src io.ReaderAt, candidates []Candidate, isValid func([]byte) bool, errf ErrFunc, isFrameError func(error) bool) (name string, stream *streamview.ChunkedFile, err error) {
	for _, c := range candidates {
		s, buildErr := Decrypt(src, c.TotalSize, c.Decrypter, c.DecryptBlockSize(), errf)
		if buildErr != nil {
			if isFrameError(buildErr) {
				continue
			}
			return "", nil, buildErr
		}

		peek := make([]byte, peekLen)
		n, readErr := io.ReadFull(s, peek)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			if isFrameError(readErr) {
				continue
			}
			return "", nil, readErr
		}

		if !isValid(peek[:n]) {
			continue
		}

		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return "", nil, err
		}
		return c.Name(), s, nil
	}

	return "", nil, errf("Unsupported", "no candidate crypter produced a valid decrypted stream")
}
