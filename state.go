package stm

// State is the contract an application state must satisfy
// to be synchronized by the transport.
//
// The type parameter is the implementing type itself
// (for example `type UserStream struct{...}` implements
// `State[UserStream]`), which keeps the transport free of
// type assertions.
//
// States are values: no method mutates its receiver.
type State[S any] interface {
	// DiffFrom produces a compact encoding of the transformation
	// from old to the receiver. An empty slice means the two
	// states are equivalent.
	DiffFrom(old S) []byte

	// InitDiff is the full serialization of the receiver,
	// used when the endpoints share no common ancestor state.
	InitDiff() []byte

	// ApplyString applies an encoded diff and returns the
	// resulting state. The error is reported for malformed
	// encodings; the transport drops such packets silently.
	ApplyString(diff []byte) (S, error)

	// Subtract removes from the receiver any portion already
	// covered by prefix, shrinking future diff encodings.
	// States with nothing to subtract return themselves.
	Subtract(prefix S) S

	// Equal reports semantic equality.
	Equal(other S) bool

	// Reset returns the type's initial state, the implicit
	// common ancestor both endpoints start from.
	Reset() S
}

// TimestampedState is one entry in a sender or receiver history.
type TimestampedState[S any] struct {
	// Timestamp is the local clock reading when the state
	// was recorded.
	Timestamp uint64

	// Num is the sender-minted sequence number.
	// Strictly increasing, never reused.
	Num uint64

	State S
}
