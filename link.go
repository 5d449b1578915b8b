package stm

import "github.com/stm-shell/stm/scrypto"

// Link is the datagram path the transport runs over,
// implemented for real sessions by
// [github.com/stm-shell/stm/sconn.Connection].
// Tests substitute in-memory lossy links.
type Link interface {
	// Send ships one payload best-effort.
	// Loss is invisible; only local failures surface.
	Send(payload []byte) error

	// Recv returns the next authenticated payload, or
	// [github.com/stm-shell/stm/sconn.ErrNoPacket] when drained.
	Recv() ([]byte, error)

	// PayloadSize is the largest payload Send accepts.
	PayloadSize() int

	// SRTT is the smoothed round-trip estimate in milliseconds,
	// zero before the first measurement.
	SRTT() float64

	// HasRemoteAddr reports whether the link knows where the
	// peer is; servers start detached.
	HasRemoteAddr() bool

	// LastHeard is the clock reading of the last authenticated
	// inbound packet, zero if none.
	LastHeard() uint64

	// Port is the local UDP port, or -1 if not applicable.
	Port() int

	// Fd is the pollable file descriptor, or -1 if not applicable.
	Fd() int

	// Key returns the session key.
	Key() scrypto.Key

	Close() error
}
