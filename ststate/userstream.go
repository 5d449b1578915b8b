// Package ststate contains concrete application states
// synchronized by the transport.
//
// UserStream is the client-side state: an ordered log of the
// user's keystrokes and terminal resizes, shipped to the server
// as diffs and drained there into the pseudo-terminal.
package ststate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
)

// UserEventType discriminates the entries of a [UserStream].
type UserEventType byte

const (
	// UserBytes carries raw keyboard input.
	UserBytes UserEventType = iota + 1

	// Resize carries a new terminal geometry.
	Resize
)

// UserEvent is one entry in a [UserStream].
type UserEvent struct {
	Type UserEventType

	// Keys is set for UserBytes events.
	Keys []byte

	// Width and Height are set for Resize events.
	Width  int
	Height int
}

func (e UserEvent) equal(o UserEvent) bool {
	return e.Type == o.Type &&
		e.Width == o.Width && e.Height == o.Height &&
		bytes.Equal(e.Keys, o.Keys)
}

// UserStream is an append-only event log implementing the
// transport's State contract. The zero value is the empty stream,
// the implicit common ancestor of both endpoints.
//
// UserStream is a value type: methods return new streams
// and never mutate their receiver.
type UserStream struct {
	events []UserEvent
}

// Keystroke returns the stream extended with raw keyboard input.
func (u UserStream) Keystroke(keys []byte) UserStream {
	return u.push(UserEvent{Type: UserBytes, Keys: slices.Clone(keys)})
}

// ResizeTo returns the stream extended with a resize event.
func (u UserStream) ResizeTo(width, height int) UserStream {
	return u.push(UserEvent{Type: Resize, Width: width, Height: height})
}

func (u UserStream) push(e UserEvent) UserStream {
	events := make([]UserEvent, len(u.events), len(u.events)+1)
	copy(events, u.events)
	return UserStream{events: append(events, e)}
}

// Events returns the log entries in order.
// The server side drains these into the pseudo-terminal.
func (u UserStream) Events() []UserEvent {
	return u.events
}

// Empty reports whether the stream holds no events.
func (u UserStream) Empty() bool {
	return len(u.events) == 0
}

// DiffFrom encodes the events present in u beyond those in old.
// When old is not a prefix of u, the full log is encoded.
func (u UserStream) DiffFrom(old UserStream) []byte {
	start := 0
	if isPrefix(old.events, u.events) {
		start = len(old.events)
	}
	return encodeEvents(u.events[start:])
}

// InitDiff encodes the entire log.
func (u UserStream) InitDiff() []byte {
	return encodeEvents(u.events)
}

// ApplyString decodes diff and returns the stream with the
// decoded events appended.
func (u UserStream) ApplyString(diff []byte) (UserStream, error) {
	events, err := decodeEvents(diff)
	if err != nil {
		return UserStream{}, err
	}

	combined := make([]UserEvent, len(u.events), len(u.events)+len(events))
	copy(combined, u.events)
	return UserStream{events: append(combined, events...)}, nil
}

// Subtract drops a shared prefix of events already known
// to the remote side.
func (u UserStream) Subtract(prefix UserStream) UserStream {
	if !isPrefix(prefix.events, u.events) {
		return u
	}
	return UserStream{events: slices.Clone(u.events[len(prefix.events):])}
}

// Equal reports whether two streams hold identical logs.
func (u UserStream) Equal(o UserStream) bool {
	return isPrefix(u.events, o.events) && len(u.events) == len(o.events)
}

// Reset returns the empty stream.
func (u UserStream) Reset() UserStream {
	return UserStream{}
}

func isPrefix(prefix, full []UserEvent) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i := range prefix {
		if !prefix[i].equal(full[i]) {
			return false
		}
	}
	return true
}

func encodeEvents(events []UserEvent) []byte {
	if len(events) == 0 {
		return nil
	}

	var out []byte
	for _, e := range events {
		out = append(out, byte(e.Type))
		switch e.Type {
		case UserBytes:
			out = binary.AppendUvarint(out, uint64(len(e.Keys)))
			out = append(out, e.Keys...)
		case Resize:
			out = binary.AppendUvarint(out, uint64(e.Width))
			out = binary.AppendUvarint(out, uint64(e.Height))
		default:
			panic(fmt.Errorf("BUG: encoding unknown user event type %d", e.Type))
		}
	}
	return out
}

func decodeEvents(b []byte) ([]UserEvent, error) {
	var events []UserEvent
	for len(b) > 0 {
		typ := UserEventType(b[0])
		b = b[1:]

		switch typ {
		case UserBytes:
			n, used := binary.Uvarint(b)
			if used <= 0 || n > uint64(len(b)-used) {
				return nil, fmt.Errorf("truncated keystroke event")
			}
			b = b[used:]
			events = append(events, UserEvent{
				Type: UserBytes,
				Keys: slices.Clone(b[:n]),
			})
			b = b[n:]

		case Resize:
			w, used := binary.Uvarint(b)
			if used <= 0 {
				return nil, fmt.Errorf("truncated resize event")
			}
			b = b[used:]
			h, used := binary.Uvarint(b)
			if used <= 0 {
				return nil, fmt.Errorf("truncated resize event")
			}
			b = b[used:]
			events = append(events, UserEvent{
				Type:   Resize,
				Width:  int(w),
				Height: int(h),
			})

		default:
			return nil, fmt.Errorf("unknown user event type %d", typ)
		}
	}
	return events, nil
}
