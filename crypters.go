package fwimg

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/sonyfw/fwimg/internal/blockcipher"
	"github.com/sonyfw/fwimg/internal/fdatcodec"
)

// CrypterID names one entry of the block-cipher catalogue. The
// "_ms" suffixed identifiers select memory-stick (MsFirm) framing
// instead of DAT/FDAT and are not valid arguments to DecryptFdat.
type CrypterID string

const (
	CXD4105      CrypterID = "CXD4105"
	MB8AC102     CrypterID = "MB8AC102"
	CXD4115      CrypterID = "CXD4115"
	CXD4115_ilc  CrypterID = "CXD4115_ilc"
	CXD4120      CrypterID = "CXD4120"
	CXD4120_pro  CrypterID = "CXD4120_pro"
	CXD4132      CrypterID = "CXD4132"
	CXD90014     CrypterID = "CXD90014"
	CXD90045     CrypterID = "CXD90045"
	CXD4105_ms   CrypterID = "CXD4105_ms"
	CXD4108_ms   CrypterID = "CXD4108_ms"
)

// fdatCrypterOrder is the ordered trial list for DAT/FDAT-framed images
// (the "_ms" identifiers are memory-stick-only and excluded). Order is
// part of the contract: see blockcipher.TrialDecrypt's doc comment.
var fdatCrypterOrder = []CrypterID{
	CXD4105, MB8AC102, CXD4115, CXD4115_ilc, CXD4120, CXD4120_pro, CXD4132, CXD90014, CXD90045,
}

// generation identifies which cipher realisation a catalogue entry binds
// to; the Keys table supplies the actual key material per entry.
type generation int

const (
	genSha generation = iota
	genAes
	genDoubleAes
	genAesCbc
)

var crypterGeneration = map[CrypterID]generation{
	CXD4105:     genSha,
	MB8AC102:    genSha,
	CXD4115:     genAes,
	CXD4115_ilc: genAes,
	CXD4120:     genAes,
	CXD4120_pro: genAes,
	CXD4132:     genDoubleAes,
	CXD90014:    genDoubleAes,
	CXD90045:    genAesCbc,
}

// Keys is the externally-supplied table of per-crypter secrets. The
// core never embeds key material by value; callers populate one Keys
// entry per CrypterID they intend to exercise.
type Keys map[CrypterID]blockcipher.Keys

func buildDecrypter(id CrypterID, keys Keys, src io.ReaderAt, totalSize int64) (blockcipher.Decrypter, error) {
	k, ok := keys[id]
	if !ok {
		return nil, Newf(KindUnsupported, "no keys supplied for crypter %s", id)
	}

	switch crypterGeneration[id] {
	case genSha:
		return namedDecrypter{string(id), blockcipher.NewShaCrypter(k)}, nil
	case genAes:
		c, err := blockcipher.NewAesCrypter(k)
		if err != nil {
			return nil, Wrapf(KindMalformed, err, "crypter %s", id)
		}
		return namedDecrypter{string(id), c}, nil
	case genDoubleAes:
		c, err := blockcipher.NewDoubleAesCrypter(k)
		if err != nil {
			return nil, Wrapf(KindMalformed, err, "crypter %s", id)
		}
		return namedDecrypter{string(id), c}, nil
	case genAesCbc:
		ivOff := blockcipher.TrailerIVOffset(totalSize)
		iv := make([]byte, 16)
		if _, err := src.ReadAt(iv, ivOff); err != nil {
			return nil, Wrapf(KindTruncated, err, "crypter %s: read trailer IV", id)
		}
		c, err := blockcipher.NewAesCbcCrypter(k, iv)
		if err != nil {
			return nil, Wrapf(KindMalformed, err, "crypter %s", id)
		}
		return namedDecrypter{string(id), c}, nil
	default:
		return nil, Newf(KindUnsupported, "crypter %s has no known generation", id)
	}
}

// namedDecrypter adapts a generation's decryptBlockSize/DecryptBlock
// pair plus its catalogue name into blockcipher.Decrypter.
type namedDecrypter struct {
	name string
	inner interface {
		DecryptBlockSize() int
		blockcipher.BlockDecrypter
	}
}

func (n namedDecrypter) Name() string                                          { return n.name }
func (n namedDecrypter) DecryptBlockSize() int                                 { return n.inner.DecryptBlockSize() }
func (n namedDecrypter) DecryptBlock(i int, isFirst, isLast bool, ct []byte) []byte {
	return n.inner.DecryptBlock(i, isFirst, isLast, ct)
}

var kindByName = map[string]Kind{
	"WrongMagic":    KindWrongMagic,
	"WrongVersion":  KindWrongVersion,
	"WrongChecksum": KindWrongChecksum,
	"FrameError":    KindFrameError,
	"Unsupported":   KindUnsupported,
	"Truncated":     KindTruncated,
	"Malformed":     KindMalformed,
}

// errf adapts blockcipher.ErrFunc's stringly-typed kind to the root
// CodecError taxonomy, so internal/blockcipher need not import this
// package (which would cycle back through it).
func errf(kind string, format string, args ...any) error {
	k, ok := kindByName[kind]
	if !ok {
		k = KindMalformed
	}
	return Newf(k, format, args...)
}

func isFrameError(err error) bool {
	var ce *CodecError
	if errors.As(err, &ce) {
		return ce.Kind == KindFrameError
	}
	return false
}

// cbcTotalSize caps the ciphertext span passed to AES-CBC's pipeline,
// excluding the trailing 0x110-byte IV region that isn't itself framed.
func cbcTotalSize(id CrypterID, totalSize int64) int64 {
	if crypterGeneration[id] == genAesCbc {
		return blockcipher.TrailerIVOffset(totalSize)
	}
	return totalSize
}

// DecryptFdat is the trial-decrypt entry point: it tries each
// DAT/FDAT crypter in catalogue order, accepting the first whose
// decrypted stream begins with a valid FDAT header (magic plus the
// zero-tail check fdatcodec.IsFdat performs), and returns that crypter's
// name alongside the decrypted stream.
func DecryptFdat(src io.ReaderAt, totalSize int64, keys Keys) (CrypterID, io.ReadSeeker, error) {
	var candidates []blockcipher.Candidate
	byName := map[string]CrypterID{}
	for _, id := range fdatCrypterOrder {
		d, err := buildDecrypter(id, keys, src, totalSize)
		if err != nil {
			continue // no keys supplied for this entry; not a trial failure
		}
		candidates = append(candidates, blockcipher.Candidate{Decrypter: d, TotalSize: cbcTotalSize(id, totalSize)})
		byName[string(id)] = id
	}

	isValid := func(prefix []byte) bool { return fdatcodec.IsFdat(prefix) }

	name, stream, err := blockcipher.TrialDecrypt(src, candidates, isValid, errf, isFrameError)
	if err != nil {
		return "", nil, err
	}
	return byName[name], stream, nil
}
