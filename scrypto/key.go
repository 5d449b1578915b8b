package scrypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// KeySize is the session key length in bytes (AES-128).
const KeySize = 16

// Key is a symmetric session key.
//
// Keys are exchanged out of band over a separate trusted channel;
// this package only consumes them.
type Key [KeySize]byte

// NewKey generates a fresh random key from r.
// A nil r uses the operating system's entropy source.
func NewKey(r io.Reader) (Key, error) {
	if r == nil {
		r = rand.Reader
	}

	var k Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, fmt.Errorf("generating session key: %w", err)
	}
	return k, nil
}

// ParseKey decodes the printable form produced by [Key.String].
func ParseKey(s string) (Key, error) {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding session key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("session key is %d bytes, want %d", len(b), KeySize)
	}

	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the printable, unpadded base64 form of the key,
// suitable for passing through an environment variable.
func (k Key) String() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}
