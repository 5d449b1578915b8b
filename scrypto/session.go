// Package scrypto seals and opens STM datagrams.
//
// Every datagram on the wire is
//
//	nonce(8) || ciphertext
//
// where the AEAD nonce is the 8 wire bytes left-padded with zeros.
// The top bit of the 64-bit nonce value is the direction of travel
// and the low 63 bits are a per-direction counter,
// so the two endpoints can never collide on a nonce
// within the lifetime of one session key.
package scrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// Direction distinguishes the two packet flows of a session.
type Direction byte

const (
	// ToServer marks packets sent by the client.
	ToServer Direction = 0
	// ToClient marks packets sent by the server.
	ToClient Direction = 1
)

// nonceSize is the AEAD nonce length; the wire carries
// only the 8 significant bytes.
const nonceSize = 12

// WireNonceSize is the number of nonce bytes present in each datagram.
const WireNonceSize = 8

// Overhead is the total sealing overhead per datagram:
// the wire nonce plus the AEAD tag.
const Overhead = WireNonceSize + 16

const directionBit = uint64(1) << 63

// ErrOpenFailed is returned for any datagram that does not
// authenticate, regardless of the underlying cause.
// Callers drop such datagrams silently.
var ErrOpenFailed = errors.New("failed to open datagram")

// Session encrypts one endpoint's view of a connection.
//
// Methods on Session are not safe for concurrent use;
// the transport is single-threaded by design.
type Session struct {
	key  Key
	aead cipher.AEAD

	// Next counter value per direction, indexed by Direction.
	ctr [2]uint64
}

// NewSession returns a Session sealing with k.
func NewSession(k Key) (*Session, error) {
	blk, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("initializing session cipher: %w", err)
	}

	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, fmt.Errorf("initializing session AEAD: %w", err)
	}

	return &Session{key: k, aead: aead}, nil
}

// Key returns the session key.
func (s *Session) Key() Key {
	return s.key
}

// Seal encrypts plaintext as a datagram traveling in direction d,
// minting a fresh nonce.
//
// Seal fails only if the 63-bit nonce counter would wrap,
// which cannot happen in any realistic session lifetime.
func (s *Session) Seal(d Direction, plaintext []byte) ([]byte, error) {
	if s.ctr[d]&directionBit != 0 {
		return nil, errors.New("nonce counter exhausted")
	}

	val := s.ctr[d]
	s.ctr[d]++
	if d == ToClient {
		val |= directionBit
	}

	var nonce [nonceSize]byte
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], val)

	out := make([]byte, WireNonceSize, WireNonceSize+len(plaintext)+s.aead.Overhead())
	copy(out, nonce[nonceSize-8:])
	return s.aead.Seal(out, nonce[:], plaintext, nil), nil
}

// Open authenticates and decrypts a datagram expected to travel
// in direction d. Any failure — short datagram, bad tag,
// wrong direction bit — is reported uniformly as [ErrOpenFailed]
// so nothing about the failure mode leaks to the network.
func (s *Session) Open(d Direction, datagram []byte) ([]byte, error) {
	if len(datagram) < WireNonceSize {
		return nil, ErrOpenFailed
	}

	val := binary.BigEndian.Uint64(datagram[:WireNonceSize])
	gotDir := ToServer
	if val&directionBit != 0 {
		gotDir = ToClient
	}
	if gotDir != d {
		return nil, ErrOpenFailed
	}

	var nonce [nonceSize]byte
	copy(nonce[nonceSize-8:], datagram[:WireNonceSize])

	pt, err := s.aead.Open(nil, nonce[:], datagram[WireNonceSize:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
