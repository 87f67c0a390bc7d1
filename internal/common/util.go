package common

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

// GenerateRandByteArray returns size cryptographically random bytes.
// It panics if the system randomness source fails, which is unrecoverable.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// MakeNumericCode returns a random decimal code suitable for out-of-band
// delivery (verification mails, per-test access codes).
func MakeNumericCode() string {
	b := GenerateRandByteArray(4)
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10)
}

// WipeByteArray overwrites the contents of the provided byte slice with
// zeros. Used to remove key material from memory after use. A nil slice is
// a no-op.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
