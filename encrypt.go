// Authenticated encryption layer for the serialized events.
//
// The on-wire envelope is:
//
//	digest_len (1 byte) ‖ digest (4–16 bytes) ‖ nonce (16 bytes) ‖ ciphertext
//
// digest_len must equal the authentication tag length used at encryption
// time; a mismatch is corruption, not a shorter tag. This implementation
// always emits 16 (the AES-GCM tag size). The envelope is parseable without
// external metadata: the first byte locates the fixed-size nonce and the
// ciphertext tail.
package vellum

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	nonceSize     = 16
	minDigestSize = 4
	maxDigestSize = 16
)

// DeriveKey normalises key material for the encryption layer. AES key
// lengths (16, 24, 32 bytes) pass through unchanged; anything else is
// hashed to 32 bytes with BLAKE2b, so passphrases of any length work.
func DeriveKey(key []byte) []byte {
	switch len(key) {
	case 16, 24, 32:
		return key
	}
	sum := blake2b.Sum256(key)
	return sum[:]
}

// EncryptAESGCM layers AES-GCM authenticated encryption onto s. The key is
// held by the layer for its lifetime and never persisted. Decryption fails
// hard: a bad envelope returns ErrEnvelope, a failed authentication check
// returns ErrTamper, and neither is ever retried or replaced with empty
// data.
func EncryptAESGCM(s *Storage, key []byte) error {
	block, err := aes.NewCipher(DeriveKey(key))
	if err != nil {
		return err
	}
	// PyCryptodome-compatible 16-byte nonce rather than the 12-byte GCM
	// default; the envelope reserves exactly 16 bytes for it.
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return err
	}

	if err := s.OnWritePost(func(_ Event, _ any, data []byte) ([]byte, error) {
		return seal(gcm, data)
	}); err != nil {
		return err
	}
	return s.OnReadPre(func(_ Event, _ any, data []byte) ([]byte, error) {
		return open(gcm, data)
	})
}

// seal encrypts data with a fresh random nonce and assembles the envelope.
func seal(gcm cipher.AEAD, data []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Seal returns ciphertext ‖ tag; the envelope wants the tag up front.
	sealed := gcm.Seal(nil, nonce, data, nil)
	tagLen := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagLen]
	digest := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, 1+tagLen+nonceSize+len(ciphertext))
	out = append(out, byte(tagLen))
	out = append(out, digest...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// open parses the envelope and runs authenticated decryption.
func open(gcm cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrEnvelope)
	}
	digestLen := int(data[0])
	if digestLen < minDigestSize || digestLen > maxDigestSize {
		return nil, fmt.Errorf("%w: digest length %d out of range", ErrEnvelope, digestLen)
	}
	if len(data) < 1+digestLen+nonceSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrEnvelope, len(data), 1+digestLen+nonceSize)
	}
	if digestLen != gcm.Overhead() {
		return nil, fmt.Errorf("%w: digest length %d does not match tag size %d",
			ErrEnvelope, digestLen, gcm.Overhead())
	}

	digest := data[1 : 1+digestLen]
	nonce := data[1+digestLen : 1+digestLen+nonceSize]
	ciphertext := data[1+digestLen+nonceSize:]

	sealed := make([]byte, 0, len(ciphertext)+digestLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, digest...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrTamper
	}
	return plaintext, nil
}
