// Package cryptox implements the envelope cipher protecting every sensitive
// field at rest: contact addresses, display names, exam papers, answer
// sheets and wrapped signing keypairs.
//
// A sealed value is a single blob laid out as
//
//	ciphertext || 16-byte auth tag || 32-byte iv
//
// and is split by subtracting known lengths from the end. The layout is
// bit-exact with historically stored records and must not change.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/dmitrijs2005/examkeeper/internal/common"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// IVSize is the nonce length. 32 bytes, not the GCM default of 12,
	// for interoperability with stored historical records.
	IVSize = 32
)

// Envelope performs authenticated encryption under a process-wide master
// key, or under an explicit per-object data key. The master key is loaded
// once at startup and never mutated.
type Envelope struct {
	master []byte
}

// LoadMasterKey decodes a base64-encoded 256-bit master key. An empty or
// undersized key is a hard error; callers treat it as process-fatal.
func LoadMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// New constructs an Envelope bound to the given master key.
func New(masterKey []byte) (*Envelope, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("invalid master key length %d", len(masterKey))
	}
	return &Envelope{master: masterKey}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Seal encrypts plaintext under the master key.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	return e.SealWith(plaintext, e.master)
}

// SealWith encrypts plaintext under an explicit data key. A fresh random iv
// is generated per call; GCM appends the tag to the ciphertext, so the
// stored blob is ciphertext || tag || iv.
func (e *Envelope) SealWith(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	iv := common.GenerateRandByteArray(IVSize)
	sealed := aead.Seal(nil, iv, plaintext, nil)
	return append(sealed, iv...), nil
}

// Open decrypts a blob sealed under the master key.
func (e *Envelope) Open(blob []byte) ([]byte, error) {
	return e.OpenWith(blob, e.master)
}

// OpenWith decrypts a blob sealed under an explicit data key. Any tampering
// with the ciphertext or tag fails with common.ErrorCrypto.
func (e *Envelope) OpenWith(blob, key []byte) ([]byte, error) {
	if len(blob) < TagSize+IVSize {
		return nil, fmt.Errorf("%w: sealed blob too short", common.ErrorCrypto)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	iv := blob[len(blob)-IVSize:]
	plaintext, err := aead.Open(nil, iv, blob[:len(blob)-IVSize], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorCrypto, err)
	}
	return plaintext, nil
}

// SealEnveloped implements the two-level envelope: plaintext is sealed
// under a fresh random data key, and the data key is sealed under the
// master key. The plaintext data key is wiped before returning.
func (e *Envelope) SealEnveloped(plaintext []byte) (blob, sealedKey []byte, err error) {
	key := common.GenerateRandByteArray(KeySize)
	defer common.WipeByteArray(key)

	blob, err = e.SealWith(plaintext, key)
	if err != nil {
		return nil, nil, err
	}
	sealedKey, err = e.Seal(key)
	if err != nil {
		return nil, nil, err
	}
	return blob, sealedKey, nil
}

// OpenEnveloped reverses SealEnveloped: the data key is recovered under the
// master key, used to open the blob, and wiped.
func (e *Envelope) OpenEnveloped(blob, sealedKey []byte) ([]byte, error) {
	key, err := e.Open(sealedKey)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)
	return e.OpenWith(blob, key)
}

// ResealEnveloped re-encrypts a new plaintext under the existing sealed
// data key, preserving the key so concurrently stored blobs remain
// readable. The recovered key is wiped after use.
func (e *Envelope) ResealEnveloped(plaintext, sealedKey []byte) ([]byte, error) {
	key, err := e.Open(sealedKey)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)
	return e.SealWith(plaintext, key)
}
