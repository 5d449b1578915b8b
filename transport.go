package stm

import (
	"errors"
	"io"
	"log/slog"
	mrand "math/rand/v2"

	"github.com/stm-shell/stm/sclock"
	"github.com/stm-shell/stm/sconn"
	"github.com/stm-shell/stm/scrypto"
	"github.com/stm-shell/stm/sfrag"
)

// Config carries the optional collaborators of a Transport.
// The zero value gives real time, silent logging, and random chaff.
type Config struct {
	// Log for transport events. Nil discards everything.
	Log *slog.Logger

	// Clock for pacing and timestamps.
	// Nil means the process monotonic clock.
	Clock sclock.Clock

	// ChaffRand is the randomness source for traffic-analysis
	// padding. Nil means a crypto-seeded source;
	// tests freeze it for reproducible wire bytes.
	ChaffRand *mrand.Rand
}

// Transport synchronizes a local state of type L with a peer,
// while tracking the peer's state of type R.
//
// The local endpoint mutates L via [*Transport.SetCurrentState];
// the peer's R arrives by itself through [*Transport.Recv]
// and is consumed with [*Transport.RemoteDiff].
//
// Transports are single-threaded: Tick, Recv, and every accessor
// must be called from one goroutine, the host's poll loop.
type Transport[L State[L], R State[R]] struct {
	log   *slog.Logger
	clock sclock.Clock

	link   Link
	sender *Sender[L]

	assembly sfrag.Assembly

	// Peer states we can still base diffs on.
	// Nums strictly increasing; index 0 is the oldest kept.
	receivedStates []TimestampedState[R]

	// The remote state the user last observed via RemoteDiff.
	lastReceiverState R

	// The peer's latest view of our acknowledgment position.
	sentStateLateAcked uint64

	verbose bool
}

// NewTransport wires a transport over an existing link.
// initialState and initialRemote are the shared ancestors
// (num 0 on both sides) the endpoints agreed on out of band.
func NewTransport[L State[L], R State[R]](
	initialState L,
	initialRemote R,
	link Link,
	cfg Config,
) *Transport[L, R] {
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := sclock.OrMonotonic(cfg.Clock)

	return &Transport[L, R]{
		log:   log,
		clock: clock,

		link:   link,
		sender: newSender(log, clock, link, initialState, cfg.ChaffRand),

		receivedStates: []TimestampedState[R]{
			{Timestamp: clock.Now(), Num: 0, State: initialRemote},
		},
		lastReceiverState: initialRemote,
	}
}

// NewServer binds a fresh server connection
// (on ip:port, both optional) and wraps it in a transport.
func NewServer[L State[L], R State[R]](
	initialState L,
	initialRemote R,
	ip string,
	port int,
	cfg Config,
) (*Transport[L, R], error) {
	conn, err := sconn.NewServer(ip, port, sconn.Config{Log: cfg.Log, Clock: cfg.Clock})
	if err != nil {
		return nil, err
	}
	return NewTransport[L, R](initialState, initialRemote, conn, cfg), nil
}

// NewClient connects to a server at ip:port using its printable key
// and wraps the connection in a transport.
func NewClient[L State[L], R State[R]](
	initialState L,
	initialRemote R,
	keyStr string,
	ip string,
	port int,
	cfg Config,
) (*Transport[L, R], error) {
	key, err := scrypto.ParseKey(keyStr)
	if err != nil {
		return nil, err
	}
	conn, err := sconn.NewClient(key, ip, port, sconn.Config{Log: cfg.Log, Clock: cfg.Clock})
	if err != nil {
		return nil, err
	}
	return NewTransport[L, R](initialState, initialRemote, conn, cfg), nil
}

// Tick sends data or an acknowledgment if one is due.
func (t *Transport[L, R]) Tick() error {
	return t.sender.Tick()
}

// WaitTime returns milliseconds until the next scheduled
// transport event; the host poll loop uses it as a timeout.
func (t *Transport[L, R]) WaitTime() int {
	return t.sender.WaitTime()
}

// Recv drains the link, reassembling fragments and applying
// every complete instruction. Wire-level garbage is dropped
// silently; only local socket failures are returned.
func (t *Transport[L, R]) Recv() error {
	for {
		payload, err := t.link.Recv()
		if err != nil {
			if errors.Is(err, sconn.ErrNoPacket) {
				return nil
			}
			return err
		}

		frag, err := sfrag.Parse(payload)
		if err != nil {
			continue
		}

		inst, done := t.assembly.Add(frag)
		if !done {
			continue
		}

		decoded, err := DecodeInstruction(inst)
		if err != nil {
			continue
		}
		t.processInstruction(decoded)
	}
}

func (t *Transport[L, R]) processInstruction(inst Instruction) {
	if t.verbose {
		t.log.Debug("Received instruction",
			"old_num", inst.OldNum,
			"new_num", inst.NewNum,
			"ack_num", inst.AckNum,
			"throwaway_num", inst.ThrowawayNum,
			"diff_len", len(inst.Diff),
		)
	}

	if inst.NewNum == ShutdownNum {
		// Peer requested shutdown. Mirror the acknowledgment
		// promptly; there is no state content to apply.
		t.sender.SetCounterpartyShutdown()
		t.sender.ProcessAck(inst.AckNum)
		if inst.AckNum != ShutdownNum {
			t.sentStateLateAcked = inst.AckNum
		}
		t.sender.ScheduleAckSoon()
		return
	}

	latest := t.receivedStates[len(t.receivedStates)-1].Num
	if inst.NewNum <= latest {
		// Duplicate or reordered stale packet.
		return
	}

	var base *TimestampedState[R]
	for i := range t.receivedStates {
		if t.receivedStates[i].Num == inst.OldNum {
			base = &t.receivedStates[i]
			break
		}
	}
	if base == nil {
		// Diff against a state we no longer (or never) had.
		// The sender will re-base once it sees our acks.
		return
	}

	newState, err := base.State.ApplyString(inst.Diff)
	if err != nil {
		return
	}

	t.receivedStates = append(t.receivedStates, TimestampedState[R]{
		Timestamp: t.clock.Now(),
		Num:       inst.NewNum,
		State:     newState,
	})

	t.processThrowawayUntil(inst.ThrowawayNum)

	t.sender.ProcessAck(inst.AckNum)
	if inst.AckNum != ShutdownNum {
		t.sentStateLateAcked = inst.AckNum
	}

	t.sender.SetAckNum(inst.NewNum)
	t.sender.ScheduleAckSoon()
}

// processThrowawayUntil discards received states the peer will
// never diff against again, always keeping at least one.
func (t *Transport[L, R]) processThrowawayUntil(throwawayNum uint64) {
	keep := len(t.receivedStates) - 1
	for i := range t.receivedStates {
		if t.receivedStates[i].Num >= throwawayNum {
			keep = i
			break
		}
	}
	t.receivedStates = t.receivedStates[keep:]
}

// RemoteDiff returns the encoded difference between the remote state
// the user last observed and the newest received state, then marks
// the newest state as observed.
func (t *Transport[L, R]) RemoteDiff() []byte {
	back := t.receivedStates[len(t.receivedStates)-1]
	diff := back.State.DiffFrom(t.lastReceiverState)
	t.lastReceiverState = back.State
	return diff
}

// RemoteStateNum returns the num of the newest received state.
func (t *Transport[L, R]) RemoteStateNum() uint64 {
	return t.receivedStates[len(t.receivedStates)-1].Num
}

// LatestRemoteState returns the newest received state with
// its arrival bookkeeping.
func (t *Transport[L, R]) LatestRemoteState() TimestampedState[R] {
	return t.receivedStates[len(t.receivedStates)-1]
}

// CurrentState returns the local state being synchronized.
func (t *Transport[L, R]) CurrentState() L {
	return t.sender.CurrentState()
}

// SetCurrentState replaces the local state to be synchronized.
// Illegal after StartShutdown.
func (t *Transport[L, R]) SetCurrentState(x L) {
	t.sender.SetCurrentState(x)
}

// StartShutdown begins the shutdown handshake. Idempotent.
// After calling it, SetCurrentState is illegal.
func (t *Transport[L, R]) StartShutdown() {
	t.sender.StartShutdown()
}

// ShutdownInProgress reports whether StartShutdown has been called.
func (t *Transport[L, R]) ShutdownInProgress() bool {
	return t.sender.ShutdownInProgress()
}

// ShutdownAcknowledged reports whether the peer acknowledged
// our shutdown request.
func (t *Transport[L, R]) ShutdownAcknowledged() bool {
	return t.sender.ShutdownAcknowledged()
}

// ShutdownAckTimedOut reports whether the shutdown handshake
// has run out of retries.
func (t *Transport[L, R]) ShutdownAckTimedOut() bool {
	return t.sender.ShutdownAckTimedOut()
}

// CounterpartyShutdownAckSent reports whether the peer requested
// shutdown and we have acknowledged it at least once.
func (t *Transport[L, R]) CounterpartyShutdownAckSent() bool {
	return t.sender.CounterpartyShutdownAckSent()
}

// Attached reports whether the link knows its peer's address.
func (t *Transport[L, R]) Attached() bool {
	return t.link.HasRemoteAddr()
}

// Fd returns the link's pollable descriptor, or -1.
func (t *Transport[L, R]) Fd() int {
	return t.link.Fd()
}

// Port returns the link's local port, or -1.
func (t *Transport[L, R]) Port() int {
	return t.link.Port()
}

// Key returns the printable session key.
func (t *Transport[L, R]) Key() string {
	return t.link.Key().String()
}

// SentStateAcked returns the num of the newest local state
// the peer has acknowledged.
func (t *Transport[L, R]) SentStateAcked() uint64 {
	return t.sender.SentStateAcked()
}

// SentStateLast returns the num of the newest local state sent.
func (t *Transport[L, R]) SentStateLast() uint64 {
	return t.sender.SentStateLast()
}

// SentStateLateAcked returns the peer's latest reported view
// of our acknowledgment position.
func (t *Transport[L, R]) SentStateLateAcked() uint64 {
	return t.sentStateLateAcked
}

// SendInterval returns the sender's current pacing interval
// in milliseconds.
func (t *Transport[L, R]) SendInterval() uint64 {
	return t.sender.SendInterval()
}

// LastHeard returns the clock reading of the last authenticated
// packet from the peer, for connection-health display.
func (t *Transport[L, R]) LastHeard() uint64 {
	return t.link.LastHeard()
}

// SetSendDelay adds delay milliseconds to every scheduled send.
func (t *Transport[L, R]) SetSendDelay(delay uint64) {
	t.sender.SetSendDelay(delay)
}

// SetVerbose enables per-packet debug logging.
func (t *Transport[L, R]) SetVerbose() {
	t.verbose = true
	t.sender.SetVerbose()
}

// Close releases the underlying link.
func (t *Transport[L, R]) Close() error {
	return t.link.Close()
}
