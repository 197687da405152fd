package blockcipher

import (
	"crypto/aes"
	"crypto/cipher"
)

// newAesCbcEncrypterForTest builds the CBC encrypter side of AesCbcCrypter,
// which has no production encrypt path (gen 4 is decrypt-only), purely so
// tests can construct a known-plaintext ciphertext fixture.
func newAesCbcEncrypterForTest(key, iv []byte) (cipher.BlockMode, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(blk, iv), nil
}
