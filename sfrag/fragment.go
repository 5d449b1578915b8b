// Package sfrag splits encoded instructions into MTU-bounded
// fragments and reassembles them on the far side.
//
// Each fragment carries a 4-byte header:
//
//	fragment_id(2) || fragment_index_and_final(2)
//
// where the high bit of the second field marks the final fragment.
// Reassembly is single-slot: a fragment from a newer instruction
// abandons whatever was being collected.
package sfrag

import (
	"encoding/binary"
	"errors"

	"github.com/bits-and-blooms/bitset"
)

// HeaderSize is the per-fragment header length in bytes.
const HeaderSize = 4

const finalFlag = 0x8000

// ErrShortFragment is returned when a datagram payload
// is too small to hold a fragment header.
var ErrShortFragment = errors.New("fragment shorter than header")

// Fragment is one MTU-bounded piece of an encoded instruction.
type Fragment struct {
	ID    uint16
	Index uint16
	Final bool
	Body  []byte
}

// Parse decodes the wire form of a fragment.
// The returned Body aliases b.
func Parse(b []byte) (Fragment, error) {
	if len(b) < HeaderSize {
		return Fragment{}, ErrShortFragment
	}

	idxField := binary.BigEndian.Uint16(b[2:4])
	return Fragment{
		ID:    binary.BigEndian.Uint16(b[0:2]),
		Index: idxField &^ finalFlag,
		Final: idxField&finalFlag != 0,
		Body:  b[HeaderSize:],
	}, nil
}

// Bytes encodes the fragment for the wire.
func (f Fragment) Bytes() []byte {
	out := make([]byte, HeaderSize+len(f.Body))
	binary.BigEndian.PutUint16(out[0:2], f.ID)
	idxField := f.Index
	if f.Final {
		idxField |= finalFlag
	}
	binary.BigEndian.PutUint16(out[2:4], idxField)
	copy(out[HeaderSize:], f.Body)
	return out
}

// Fragmenter mints fragment IDs and splits payloads.
// The zero value is ready to use.
type Fragmenter struct {
	nextID uint16
}

// Fragment splits payload into fragments whose wire encodings
// are each at most mtu bytes. It panics if mtu cannot fit
// a header and at least one body byte.
func (fr *Fragmenter) Fragment(payload []byte, mtu int) []Fragment {
	bodySize := mtu - HeaderSize
	if bodySize <= 0 {
		panic(errors.New("BUG: fragment MTU smaller than header"))
	}

	id := fr.nextID
	fr.nextID++

	var frags []Fragment
	for i := 0; ; i++ {
		n := len(payload)
		if n > bodySize {
			n = bodySize
		}

		frags = append(frags, Fragment{
			ID:    id,
			Index: uint16(i),
			Final: n == len(payload),
			Body:  payload[:n],
		})

		payload = payload[n:]
		if len(payload) == 0 {
			return frags
		}
	}
}

// Assembly collects fragments for at most one instruction at a time.
// The zero value is ready to use.
type Assembly struct {
	active     bool
	id         uint16
	seen       bitset.BitSet
	finalSeen  bool
	finalIndex uint16
	bodies     [][]byte
	total      int
}

// Add folds in one received fragment. When f completes an
// instruction, Add returns the reassembled payload and true,
// and resets for the next instruction.
//
// A fragment whose ID differs from the one being collected,
// older or newer, abandons the collection and starts a new one.
func (a *Assembly) Add(f Fragment) ([]byte, bool) {
	if a.active && f.ID != a.id {
		// 16-bit IDs wrap; treat anything other than the active ID
		// as newer and restart. A stale duplicate resets us,
		// but the sender will retransmit and recover.
		a.reset()
	}

	if !a.active {
		a.active = true
		a.id = f.ID
	}

	idx := uint(f.Index)
	if a.seen.Test(idx) {
		return nil, false
	}
	a.seen.Set(idx)

	if int(f.Index) >= len(a.bodies) {
		a.bodies = append(a.bodies, make([][]byte, int(f.Index)+1-len(a.bodies))...)
	}
	body := make([]byte, len(f.Body))
	copy(body, f.Body)
	a.bodies[f.Index] = body
	a.total += len(body)

	if f.Final {
		a.finalSeen = true
		a.finalIndex = f.Index
	}

	if !a.finalSeen {
		return nil, false
	}

	// Complete only when every index up to the final one has arrived.
	need := uint(a.finalIndex) + 1
	if a.seen.Count() != need {
		return nil, false
	}

	out := make([]byte, 0, a.total)
	for _, b := range a.bodies[:need] {
		out = append(out, b...)
	}
	a.reset()
	return out, true
}

func (a *Assembly) reset() {
	a.active = false
	a.seen.ClearAll()
	a.finalSeen = false
	a.finalIndex = 0
	a.bodies = a.bodies[:0]
	a.total = 0
}
