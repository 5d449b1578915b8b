package stm

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	mrand "math/rand/v2"

	"github.com/stm-shell/stm/sclock"
	"github.com/stm-shell/stm/sfrag"
)

const (
	// Pacing bounds for data-bearing sends, milliseconds.
	sendIntervalMin = 20
	sendIntervalMax = 250

	// How long an idle connection goes between pure acknowledgments.
	ackInterval = 3000

	// A due acknowledgment is held briefly so it can coalesce
	// with data heading the same way.
	ackDelay = 100

	// How many unacknowledged shutdown packets are sent
	// before giving up on the handshake.
	shutdownRetries = 16

	// Chaff padding length is uniform in [0, chaffMax].
	chaffMax = 16
)

// Sender is one endpoint's state-shipping engine.
// It keeps the history of recently sent states, diffs the current
// state against the newest one the peer has acknowledged,
// paces transmissions, and runs the shutdown handshake.
//
// Senders are driven from [Transport]; methods are not safe
// for concurrent use.
type Sender[S State[S]] struct {
	log   *slog.Logger
	clock sclock.Clock
	link  Link
	rng   *mrand.Rand

	fragmenter sfrag.Fragmenter

	// States the peer may still hold. Index 0 is the newest
	// acknowledged state, the base every diff is computed from.
	// Nums are strictly increasing.
	sentStates []TimestampedState[S]

	currentState S

	// Newest peer state we have applied; echoed as AckNum.
	ackNum uint64

	// nextSendTime is when the next data-bearing send is allowed;
	// zero means immediately.
	nextSendTime uint64
	nextAckTime  uint64
	sendDelay    uint64

	sentStateAcked uint64

	verbose bool

	shutdownInProgress   bool
	shutdownAcked        bool
	shutdownTries        int
	counterpartyShutdown bool
	counterpartyAckSent  bool
}

// newSender builds a sender whose initial state (num 0) is assumed
// to be shared knowledge with the peer.
func newSender[S State[S]](log *slog.Logger, clock sclock.Clock, link Link, initial S, rng *mrand.Rand) *Sender[S] {
	if rng == nil {
		var seed [16]byte
		if _, err := rand.Read(seed[:]); err != nil {
			panic(fmt.Errorf("seeding chaff source: %w", err))
		}
		rng = mrand.New(mrand.NewPCG(
			binary.LittleEndian.Uint64(seed[0:8]),
			binary.LittleEndian.Uint64(seed[8:16]),
		))
	}

	return &Sender[S]{
		log:   log,
		clock: clock,
		link:  link,
		rng:   rng,

		sentStates: []TimestampedState[S]{
			{Timestamp: clock.Now(), Num: 0, State: initial},
		},
		currentState: initial,

		nextAckTime: clock.Now() + ackInterval,
	}
}

// assumedReceiverState is the newest state the peer has acknowledged.
func (s *Sender[S]) assumedReceiverState() *TimestampedState[S] {
	return &s.sentStates[0]
}

// SendInterval returns the current pacing interval in milliseconds:
// half the smoothed RTT, clamped to [20, 250].
func (s *Sender[S]) SendInterval() uint64 {
	iv := uint64(math.Ceil(s.link.SRTT() / 2))
	if iv < sendIntervalMin {
		iv = sendIntervalMin
	} else if iv > sendIntervalMax {
		iv = sendIntervalMax
	}
	return iv
}

// Tick sends data, a shutdown request, or an acknowledgment
// if one is due. It never blocks.
func (s *Sender[S]) Tick() error {
	if !s.link.HasRemoteAddr() {
		return nil
	}

	now := s.clock.Now()

	diff := s.currentState.DiffFrom(s.assumedReceiverState().State)

	if len(diff) == 0 && !s.shutdownInProgress {
		if now >= s.nextAckTime {
			return s.sendEmptyAck(now)
		}
		return nil
	}

	if now >= s.nextSendTime || now >= s.nextAckTime {
		return s.sendToReceiver(now, diff)
	}
	return nil
}

// WaitTime returns milliseconds until the next scheduled event.
func (s *Sender[S]) WaitTime() int {
	next := s.nextAckTime
	if s.shutdownInProgress || !s.currentState.Equal(s.assumedReceiverState().State) {
		if s.nextSendTime < next {
			next = s.nextSendTime
		}
	}

	now := s.clock.Now()
	if next <= now {
		return 0
	}
	return int(next - now)
}

func (s *Sender[S]) sendEmptyAck(now uint64) error {
	newNum := s.sentStates[len(s.sentStates)-1].Num + 1
	s.addSentState(now, newNum)
	return s.sendInFragments(nil, newNum, now)
}

func (s *Sender[S]) sendToReceiver(now uint64, diff []byte) error {
	back := &s.sentStates[len(s.sentStates)-1]

	var newNum uint64
	if s.currentState.Equal(back.State) {
		// Resending an already-numbered state after loss.
		newNum = back.Num
		back.Timestamp = now
	} else {
		newNum = back.Num + 1
		s.addSentState(now, newNum)
	}

	return s.sendInFragments(diff, newNum, now)
}

func (s *Sender[S]) addSentState(now, num uint64) {
	s.sentStates = append(s.sentStates, TimestampedState[S]{
		Timestamp: now,
		Num:       num,
		State:     s.currentState,
	})
}

func (s *Sender[S]) sendInFragments(diff []byte, newNum, now uint64) error {
	inst := Instruction{
		OldNum:       s.assumedReceiverState().Num,
		NewNum:       newNum,
		AckNum:       s.ackNum,
		ThrowawayNum: s.sentStates[0].Num,
		Diff:         diff,
	}

	if s.shutdownInProgress {
		inst.NewNum = ShutdownNum
		s.shutdownTries++
	}
	if s.counterpartyShutdown {
		inst.AckNum = ShutdownNum
	}

	payload := inst.Encode(s.chaff())

	for _, f := range s.fragmenter.Fragment(payload, s.link.PayloadSize()) {
		if err := s.link.Send(f.Bytes()); err != nil {
			return err
		}
	}

	if s.counterpartyShutdown {
		s.counterpartyAckSent = true
	}

	s.nextSendTime = now + s.SendInterval() + s.sendDelay
	s.nextAckTime = now + ackInterval

	if s.verbose {
		s.log.Debug("Sent instruction",
			"old_num", inst.OldNum,
			"new_num", inst.NewNum,
			"ack_num", inst.AckNum,
			"throwaway_num", inst.ThrowawayNum,
			"diff_len", len(diff),
		)
	}
	return nil
}

func (s *Sender[S]) chaff() []byte {
	n := s.rng.IntN(chaffMax + 1)
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(s.rng.Uint32N(256))
	}
	return b
}

// ProcessAck advances the assumed receiver state to the newest state
// the peer reports holding and prunes everything older.
// Stale or unknown acknowledgment numbers are ignored;
// acknowledgments are idempotent.
func (s *Sender[S]) ProcessAck(ackNum uint64) {
	if ackNum == ShutdownNum {
		if s.shutdownInProgress {
			s.shutdownAcked = true
		}
		return
	}

	idx := -1
	for i := range s.sentStates {
		if s.sentStates[i].Num == ackNum {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	s.sentStates = s.sentStates[idx:]
	if ackNum > s.sentStateAcked {
		s.sentStateAcked = ackNum
	}

	s.rationalizeStates()
}

// rationalizeStates subtracts the newly shared base from every held
// state, shrinking the encodings of all future diffs.
func (s *Sender[S]) rationalizeStates() {
	base := s.sentStates[0].State

	s.currentState = s.currentState.Subtract(base)
	for i := range s.sentStates {
		s.sentStates[i].State = s.sentStates[i].State.Subtract(base)
	}
}

// SetAckNum records the newest peer state we have applied,
// to be echoed in the next outgoing instruction.
func (s *Sender[S]) SetAckNum(num uint64) {
	s.ackNum = num
}

// ScheduleAckSoon pulls the next acknowledgment forward,
// used when a newly applied peer state deserves a prompt ack.
func (s *Sender[S]) ScheduleAckSoon() {
	if t := s.clock.Now() + ackDelay; t < s.nextAckTime {
		s.nextAckTime = t
	}
}

// SetCounterpartyShutdown records that the peer requested shutdown;
// subsequent outgoing packets mirror the acknowledgment bit.
func (s *Sender[S]) SetCounterpartyShutdown() {
	s.counterpartyShutdown = true
}

// CurrentState returns the state most recently set.
func (s *Sender[S]) CurrentState() S {
	return s.currentState
}

// SetCurrentState replaces the state to be synchronized.
// Calling it after StartShutdown is a caller contract violation.
func (s *Sender[S]) SetCurrentState(x S) {
	if s.shutdownInProgress {
		panic(fmt.Errorf("BUG: SetCurrentState after StartShutdown"))
	}
	s.currentState = x.Subtract(s.assumedReceiverState().State)
}

// StartShutdown begins the shutdown handshake. Idempotent.
func (s *Sender[S]) StartShutdown() {
	if s.shutdownInProgress {
		return
	}
	s.shutdownInProgress = true
	s.shutdownTries = 0
}

// ShutdownInProgress reports whether StartShutdown has been called.
func (s *Sender[S]) ShutdownInProgress() bool {
	return s.shutdownInProgress
}

// ShutdownAcknowledged reports whether the peer has
// acknowledged our shutdown request.
func (s *Sender[S]) ShutdownAcknowledged() bool {
	return s.shutdownAcked
}

// ShutdownAckTimedOut reports whether the bounded shutdown retries
// have been exhausted without an acknowledgment.
func (s *Sender[S]) ShutdownAckTimedOut() bool {
	return s.shutdownInProgress && !s.shutdownAcked &&
		s.shutdownTries >= shutdownRetries
}

// CounterpartyShutdownAckSent reports whether the peer requested
// shutdown and we have already mirrored at least one acknowledgment.
func (s *Sender[S]) CounterpartyShutdownAckSent() bool {
	return s.counterpartyAckSent
}

// SentStateAcked returns the num of the newest state
// the peer has acknowledged.
func (s *Sender[S]) SentStateAcked() uint64 {
	return s.sentStateAcked
}

// SentStateLast returns the num of the newest state sent.
func (s *Sender[S]) SentStateLast() uint64 {
	return s.sentStates[len(s.sentStates)-1].Num
}

// SetSendDelay adds delay milliseconds to every scheduled send,
// for testing or taming very long links.
func (s *Sender[S]) SetSendDelay(delay uint64) {
	s.sendDelay = delay
}

// SetVerbose enables per-packet debug logging.
func (s *Sender[S]) SetVerbose() {
	s.verbose = true
}
