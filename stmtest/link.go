// Package stmtest provides in-memory infrastructure for
// deterministic transport tests: lossy datagram links with
// scripted delivery, no sockets, no real time.
package stmtest

import (
	"slices"

	"github.com/stm-shell/stm/sconn"
	"github.com/stm-shell/stm/scrypto"
)

// Link is an in-memory implementation of the transport's
// datagram path. Payloads written to one end appear,
// subject to the drop rule, on the peer's queue.
//
// The zero Link is not usable; create pairs with [NewPair].
type Link struct {
	key  scrypto.Key
	peer *Link

	queue [][]byte

	// Sent records every payload passed to Send,
	// dropped or not, for replay tests.
	Sent [][]byte

	// Drop, if set, is consulted per payload;
	// returning true loses the packet.
	Drop func(payload []byte) bool

	srtt      float64
	attached  bool
	lastHeard uint64
}

// NewPair returns two cross-connected links sharing a key.
func NewPair() (*Link, *Link) {
	var key scrypto.Key
	a := &Link{key: key, attached: true}
	b := &Link{key: key, attached: true}
	a.peer = b
	b.peer = a
	return a, b
}

// Send queues payload for the peer unless the drop rule eats it.
func (l *Link) Send(payload []byte) error {
	p := slices.Clone(payload)
	l.Sent = append(l.Sent, p)

	if l.Drop != nil && l.Drop(p) {
		return nil
	}
	l.peer.queue = append(l.peer.queue, p)
	return nil
}

// Recv pops the next queued payload.
func (l *Link) Recv() ([]byte, error) {
	if len(l.queue) == 0 {
		return nil, sconn.ErrNoPacket
	}
	p := l.queue[0]
	l.queue = l.queue[1:]
	return p, nil
}

// Inject places an arbitrary payload on this link's inbound queue,
// bypassing the peer. Used to replay captured packets.
func (l *Link) Inject(payload []byte) {
	l.queue = append(l.queue, slices.Clone(payload))
}

// Pending returns the number of undelivered inbound payloads.
func (l *Link) Pending() int {
	return len(l.queue)
}

// PayloadSize matches the real connection's payload bound.
func (l *Link) PayloadSize() int {
	return sconn.PayloadSize
}

// SetSRTT fixes the link's reported round-trip estimate.
func (l *Link) SetSRTT(srtt float64) {
	l.srtt = srtt
}

func (l *Link) SRTT() float64 {
	return l.srtt
}

// SetAttached controls whether the link claims to know its peer.
func (l *Link) SetAttached(attached bool) {
	l.attached = attached
}

func (l *Link) HasRemoteAddr() bool {
	return l.attached
}

// SetLastHeard fixes the reported last-contact time.
func (l *Link) SetLastHeard(t uint64) {
	l.lastHeard = t
}

func (l *Link) LastHeard() uint64 {
	return l.lastHeard
}

func (l *Link) Port() int {
	return -1
}

func (l *Link) Fd() int {
	return -1
}

func (l *Link) Key() scrypto.Key {
	return l.key
}

func (l *Link) Close() error {
	return nil
}
