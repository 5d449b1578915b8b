package stm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
)

// ShutdownNum is the sentinel sequence number that rides the
// NewNum field to request shutdown and the AckNum field to
// acknowledge it, keeping the wire format unchanged.
const ShutdownNum = uint64(math.MaxUint64)

// instHeaderSize covers the four fixed 8-byte sequence fields.
const instHeaderSize = 32

// ErrBadInstruction is returned for instruction payloads that
// cannot be decoded. Callers drop the packet silently.
var ErrBadInstruction = errors.New("malformed instruction")

// Instruction is the unit of the state-synchronization protocol:
// one diff plus the sequence bookkeeping around it.
//
// Wire encoding:
//
//	old_num(8) || new_num(8) || ack_num(8) || throwaway_num(8)
//	|| diff_length(uvarint) || diff_bytes || chaff_bytes
//
// diff_bytes are snappy-compressed; chaff is random padding
// that the receiver ignores.
type Instruction struct {
	// OldNum is the state the diff is based on.
	OldNum uint64

	// NewNum is the state the diff produces,
	// or [ShutdownNum] to request shutdown.
	NewNum uint64

	// AckNum is the newest peer state this endpoint has applied,
	// or [ShutdownNum] to acknowledge the peer's shutdown.
	AckNum uint64

	// ThrowawayNum is the oldest of this endpoint's own states
	// the peer still needs to keep for diff-basing.
	ThrowawayNum uint64

	// Diff is the raw (uncompressed) diff encoding.
	// Empty for pure acknowledgments.
	Diff []byte
}

// Encode serializes the instruction, appending the given chaff.
func (i Instruction) Encode(chaff []byte) []byte {
	comp := snappy.Encode(nil, i.Diff)

	out := make([]byte, instHeaderSize, instHeaderSize+binary.MaxVarintLen64+len(comp)+len(chaff))
	binary.BigEndian.PutUint64(out[0:8], i.OldNum)
	binary.BigEndian.PutUint64(out[8:16], i.NewNum)
	binary.BigEndian.PutUint64(out[16:24], i.AckNum)
	binary.BigEndian.PutUint64(out[24:32], i.ThrowawayNum)

	out = binary.AppendUvarint(out, uint64(len(comp)))
	out = append(out, comp...)
	return append(out, chaff...)
}

// DecodeInstruction parses an instruction payload,
// discarding any trailing chaff.
func DecodeInstruction(b []byte) (Instruction, error) {
	if len(b) < instHeaderSize {
		return Instruction{}, ErrBadInstruction
	}

	inst := Instruction{
		OldNum:       binary.BigEndian.Uint64(b[0:8]),
		NewNum:       binary.BigEndian.Uint64(b[8:16]),
		AckNum:       binary.BigEndian.Uint64(b[16:24]),
		ThrowawayNum: binary.BigEndian.Uint64(b[24:32]),
	}

	rest := b[instHeaderSize:]
	n, used := binary.Uvarint(rest)
	if used <= 0 || n > uint64(len(rest)-used) {
		return Instruction{}, ErrBadInstruction
	}
	comp := rest[used : used+int(n)]

	diff, err := snappy.Decode(nil, comp)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %w", ErrBadInstruction, err)
	}
	inst.Diff = diff
	return inst, nil
}
