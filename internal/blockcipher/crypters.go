package blockcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"

	"github.com/cockroachdb/errors"
)

// Keys bundles the opaque, externally-supplied secrets each crypter
// generation needs. The core never embeds key material by value; a
// caller (typically loading a per-device profile) populates this and
// hands it to the crypter constructors below.
type Keys struct {
	// ShaSeed is the 40-byte key for ShaCrypter: ShaSeed[0:20] seeds the
	// rolling digest, ShaSeed[20:40] is appended on every refresh.
	ShaSeed []byte
	// AesKey is the 16-byte AES-128 key for AesCrypter (gen 2) and the
	// first pass of DoubleAesCrypter (gen 3).
	AesKey []byte
	// AesKey2 is DoubleAesCrypter's second-pass key, and AesCbcCrypter's
	// CBC-phase key.
	AesKey2 []byte
}

const shaBlockSize = 1000
const aesBlockSize = 1024

// ShaCrypter is block-cipher generation 1: a SHA-1 keystream XOR with a
// digest that rolls forward across blocks rather than re-seeding.
type ShaCrypter struct {
	keys   Keys
	digest []byte
}

func NewShaCrypter(keys Keys) *ShaCrypter {
	return &ShaCrypter{keys: keys}
}

func (c *ShaCrypter) Name() string           { return "ShaCrypter" }
func (c *ShaCrypter) DecryptBlockSize() int  { return shaBlockSize }
func (c *ShaCrypter) EncryptBlockSize() int  { return shaBlockSize - 4 }

// keystream returns the next n bytes of the rolling SHA-1 keystream,
// seeding from ShaSeed[0:20] when no digest is held (the block methods
// drop it on the first block) and otherwise continuing from the digest
// left over from the previous block.
func (c *ShaCrypter) keystream(n int) []byte {
	if c.digest == nil {
		c.digest = append([]byte(nil), c.keys.ShaSeed[0:20]...)
	}
	var out []byte
	for len(out) < n {
		h := sha1.New()
		h.Write(c.digest)
		h.Write(c.keys.ShaSeed[20:40])
		c.digest = h.Sum(nil)
		out = append(out, c.digest...)
	}
	return out[:n]
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func (c *ShaCrypter) DecryptBlock(i int, isFirst, isLast bool, ciphertext []byte) []byte {
	if isFirst {
		c.digest = nil
	}
	ks := c.keystream(len(ciphertext))
	out := make([]byte, len(ciphertext))
	xorBytes(out, ciphertext, ks)
	return out
}

func (c *ShaCrypter) EncryptBlock(i int, isFirst, isLast bool, plaintext []byte) []byte {
	if isFirst {
		c.digest = nil
	}
	ks := c.keystream(len(plaintext))
	out := make([]byte, len(plaintext))
	xorBytes(out, plaintext, ks)
	return out
}

// AesCrypter is block-cipher generation 2: plain AES-128-ECB over fixed
// 1024-byte blocks with a single static key.
type AesCrypter struct {
	enc, dec cipher.Block
}

func NewAesCrypter(keys Keys) (*AesCrypter, error) {
	blk, err := aes.NewCipher(keys.AesKey)
	if err != nil {
		return nil, errors.Wrap(err, "blockcipher: AesCrypter key")
	}
	return &AesCrypter{enc: blk, dec: blk}, nil
}

func (c *AesCrypter) Name() string          { return "AesCrypter" }
func (c *AesCrypter) DecryptBlockSize() int { return aesBlockSize }
func (c *AesCrypter) EncryptBlockSize() int { return aesBlockSize - 4 }

// ecbDecrypt/ecbEncrypt apply an AES block cipher in ECB mode across b,
// which must be a multiple of the cipher's block size. ECB is used here
// only because it is what the on-wire format actually specifies, not as
// a general-purpose recommendation.
func ecbDecrypt(blk cipher.Block, b []byte) []byte {
	out := make([]byte, len(b))
	bs := blk.BlockSize()
	for i := 0; i+bs <= len(b); i += bs {
		blk.Decrypt(out[i:i+bs], b[i:i+bs])
	}
	return out
}

func ecbEncrypt(blk cipher.Block, b []byte) []byte {
	out := make([]byte, len(b))
	bs := blk.BlockSize()
	for i := 0; i+bs <= len(b); i += bs {
		blk.Encrypt(out[i:i+bs], b[i:i+bs])
	}
	return out
}

func (c *AesCrypter) DecryptBlock(i int, isFirst, isLast bool, ciphertext []byte) []byte {
	return ecbDecrypt(c.dec, ciphertext)
}

func (c *AesCrypter) EncryptBlock(i int, isFirst, isLast bool, plaintext []byte) []byte {
	return ecbEncrypt(c.enc, plaintext)
}

// DoubleAesCrypter is block-cipher generation 3: AesCrypter's output
// re-encrypted under a second AES-128-ECB key, except that on the very
// first block the first 512 bytes stay single-encrypted.
type DoubleAesCrypter struct {
	first  cipher.Block
	second cipher.Block
}

func NewDoubleAesCrypter(keys Keys) (*DoubleAesCrypter, error) {
	blk1, err := aes.NewCipher(keys.AesKey)
	if err != nil {
		return nil, errors.Wrap(err, "blockcipher: DoubleAesCrypter key 1")
	}
	blk2, err := aes.NewCipher(keys.AesKey2)
	if err != nil {
		return nil, errors.Wrap(err, "blockcipher: DoubleAesCrypter key 2")
	}
	return &DoubleAesCrypter{first: blk1, second: blk2}, nil
}

func (c *DoubleAesCrypter) Name() string          { return "DoubleAesCrypter" }
func (c *DoubleAesCrypter) DecryptBlockSize() int { return aesBlockSize }
func (c *DoubleAesCrypter) EncryptBlockSize() int { return aesBlockSize - 4 }

const doubleAesSplit = 512

func (c *DoubleAesCrypter) DecryptBlock(i int, isFirst, isLast bool, ciphertext []byte) []byte {
	once := ecbDecrypt(c.first, ciphertext)
	twice := ecbDecrypt(c.second, once)
	if !isFirst {
		return twice
	}
	out := make([]byte, len(ciphertext))
	copy(out[:doubleAesSplit], once[:doubleAesSplit])
	copy(out[doubleAesSplit:], twice[doubleAesSplit:])
	return out
}

func (c *DoubleAesCrypter) EncryptBlock(i int, isFirst, isLast bool, plaintext []byte) []byte {
	if !isFirst {
		once := ecbEncrypt(c.second, plaintext)
		return ecbEncrypt(c.first, once)
	}
	// Invert the decrypt-side split: bytes [0:512) went through one
	// encryption pass only, bytes [512:) through both.
	head := ecbEncrypt(c.first, plaintext[:doubleAesSplit])
	tail := ecbEncrypt(c.second, plaintext[doubleAesSplit:])
	tail = ecbEncrypt(c.first, tail)
	out := make([]byte, len(plaintext))
	copy(out[:doubleAesSplit], head)
	copy(out[doubleAesSplit:], tail)
	return out
}

// AesCbcCrypter is block-cipher generation 4: decrypt-only, AES-ECB for
// the first 512 bytes of the first block (as gen 2), then AES-CBC for
// everything from byte 512 of the first block onward, chained across
// subsequent blocks with an IV carried in the ciphertext's trailer.
type AesCbcCrypter struct {
	ecb cipher.Block
	cbc cipher.BlockMode
}

// NewAesCbcCrypter builds the CBC decrypter given the trailer IV read by
// the caller (the last 16 bytes of the file at offset size-0x110; see
// TrailerIVOffset).
func NewAesCbcCrypter(keys Keys, iv []byte) (*AesCbcCrypter, error) {
	ecbBlk, err := aes.NewCipher(keys.AesKey)
	if err != nil {
		return nil, errors.Wrap(err, "blockcipher: AesCbcCrypter ECB key")
	}
	cbcBlk, err := aes.NewCipher(keys.AesKey2)
	if err != nil {
		return nil, errors.Wrap(err, "blockcipher: AesCbcCrypter CBC key")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Newf("blockcipher: AesCbcCrypter IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &AesCbcCrypter{ecb: ecbBlk, cbc: cipher.NewCBCDecrypter(cbcBlk, iv)}, nil
}

func (c *AesCbcCrypter) Name() string          { return "AesCbcCrypter" }
func (c *AesCbcCrypter) DecryptBlockSize() int { return aesBlockSize }

// TrailerIVOffset returns the file offset of the 16-byte CBC IV, given
// the total ciphertext size (including the trailer).
func TrailerIVOffset(totalSize int64) int64 { return totalSize - 0x110 }

func (c *AesCbcCrypter) DecryptBlock(i int, isFirst, isLast bool, ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	if isFirst {
		copy(out[:doubleAesSplit], ecbDecrypt(c.ecb, ciphertext[:doubleAesSplit]))
		c.cbc.CryptBlocks(out[doubleAesSplit:], ciphertext[doubleAesSplit:])
		return out
	}
	c.cbc.CryptBlocks(out, ciphertext)
	return out
}
