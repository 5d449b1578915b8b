package stm_test

import (
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/stm-shell/stm"
	"github.com/stm-shell/stm/internal/stest"
	"github.com/stm-shell/stm/sclock/sclocktest"
	"github.com/stm-shell/stm/stmtest"
	"github.com/stm-shell/stm/ststate"
)

// pair is a client/server transport duo over in-memory links
// driven by one manual clock.
type pair struct {
	clk *sclocktest.Manual

	clientLink, serverLink *stmtest.Link

	client *stm.Transport[ststate.UserStream, ststate.UserStream]
	server *stm.Transport[ststate.UserStream, ststate.UserStream]
}

func newPair(t *testing.T) *pair {
	t.Helper()

	clk := new(sclocktest.Manual)
	cl, sl := stmtest.NewPair()

	cfg := stm.Config{
		Log:       slogt.New(t),
		Clock:     clk,
		ChaffRand: stest.FrozenRand(t),
	}

	var empty ststate.UserStream
	return &pair{
		clk:        clk,
		clientLink: cl,
		serverLink: sl,
		client:     stm.NewTransport[ststate.UserStream, ststate.UserStream](empty, empty, cl, cfg),
		server:     stm.NewTransport[ststate.UserStream, ststate.UserStream](empty, empty, sl, cfg),
	}
}

// pump runs one tick+recv cycle on both endpoints.
func (p *pair) pump(t *testing.T) {
	t.Helper()

	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())
	require.NoError(t, p.server.Tick())
	require.NoError(t, p.client.Recv())
}

func TestTransport_syncsStateToPeer(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("hi")))

	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())

	require.EqualValues(t, 1, p.server.RemoteStateNum())

	remote := p.server.LatestRemoteState().State
	events := remote.Events()
	require.Len(t, events, 1)
	require.Equal(t, []byte("hi"), events[0].Keys)
}

func TestTransport_remoteDiffDrainsOnce(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("x")))
	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())

	diff := p.server.RemoteDiff()
	require.NotEmpty(t, diff)

	applied, err := ststate.UserStream{}.ApplyString(diff)
	require.NoError(t, err)
	require.Len(t, applied.Events(), 1)

	// Already observed; nothing new.
	require.Empty(t, p.server.RemoteDiff())
}

func TestTransport_ackAdvancesAndPrunesSender(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("a")))

	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())

	// The server holds its ack briefly to coalesce with data.
	p.clk.Advance(100)
	require.NoError(t, p.server.Tick())
	require.NoError(t, p.client.Recv())

	require.EqualValues(t, 1, p.client.SentStateAcked())
}

func TestTransport_pacingHoldsBetweenSends(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("a")))
	require.NoError(t, p.client.Tick())
	sent := len(p.clientLink.Sent)

	// More typing immediately afterwards must wait out
	// the send interval.
	p.client.SetCurrentState(p.client.CurrentState().Keystroke([]byte("b")))
	p.clk.Advance(5)
	require.NoError(t, p.client.Tick())
	require.Len(t, p.clientLink.Sent, sent)

	p.clk.Advance(15)
	require.NoError(t, p.client.Tick())
	require.Greater(t, len(p.clientLink.Sent), sent)
}

func TestTransport_rebasesAfterLoss(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	// Lose the first transmission entirely.
	dropped := 0
	p.clientLink.Drop = func([]byte) bool {
		if dropped == 0 {
			dropped++
			return true
		}
		return false
	}

	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("lost")))
	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())
	require.EqualValues(t, 0, p.server.RemoteStateNum())

	// The retransmission is still diffed against the same base,
	// because nothing was acknowledged.
	p.clk.Advance(p.client.SendInterval())
	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())

	require.EqualValues(t, 1, p.server.RemoteStateNum())
	require.Len(t, p.server.LatestRemoteState().State.Events(), 1)

	p.clk.Advance(100)
	require.NoError(t, p.server.Tick())
	require.NoError(t, p.client.Recv())
	require.EqualValues(t, 1, p.client.SentStateAcked())
}

func TestTransport_replayedPacketIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("a")))
	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())

	p.clk.Advance(100)
	require.NoError(t, p.server.Tick())
	require.NoError(t, p.client.Recv())

	stateNum := p.server.RemoteStateNum()
	acked := p.client.SentStateAcked()
	_ = p.server.RemoteDiff()

	// Replay everything the client ever sent.
	for _, payload := range p.clientLink.Sent {
		p.serverLink.Inject(payload)
	}
	require.NoError(t, p.server.Recv())

	require.Equal(t, stateNum, p.server.RemoteStateNum())
	require.Empty(t, p.server.RemoteDiff())

	// And everything the server sent, back at the client.
	for _, payload := range p.serverLink.Sent {
		p.clientLink.Inject(payload)
	}
	require.NoError(t, p.client.Recv())
	require.Equal(t, acked, p.client.SentStateAcked())
}

func TestTransport_monotonicRemoteNumUnderReordering(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	// Three states, sent one per interval, but delivery is held
	// back and then shuffled.
	var captured [][]byte
	p.clientLink.Drop = func(payload []byte) bool {
		captured = append(captured, payload)
		return true
	}

	state := ststate.UserStream{}
	for _, s := range []string{"a", "b", "c"} {
		state = state.Keystroke([]byte(s))
		p.client.SetCurrentState(state)
		require.NoError(t, p.client.Tick())
		p.clk.Advance(p.client.SendInterval())
	}

	// Deliver newest first; older packets arrive stale.
	for i := len(captured) - 1; i >= 0; i-- {
		p.serverLink.Inject(captured[i])
	}
	require.NoError(t, p.server.Recv())

	require.EqualValues(t, 3, p.server.RemoteStateNum())
	require.Len(t, p.server.LatestRemoteState().State.Events(), 3)
}

func TestTransport_idleConnectionSendsAck(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	// Quiet link: nothing due yet.
	require.NoError(t, p.client.Tick())
	require.Empty(t, p.clientLink.Sent)

	p.clk.Advance(3000)
	require.NoError(t, p.client.Tick())
	require.NotEmpty(t, p.clientLink.Sent)
}

func TestTransport_waitTimeTracksSchedule(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	// Idle: next event is the 3 s keepalive ack.
	require.Equal(t, 3000, p.client.WaitTime())

	// Data pending: due immediately.
	p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("k")))
	require.Equal(t, 0, p.client.WaitTime())

	require.NoError(t, p.client.Tick())
	require.Equal(t, int(p.client.SendInterval()), p.client.WaitTime())
}

func TestTransport_largeDiffTravelsInFragments(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	keys := stest.RandomDataForTest(t, 2000)
	p.client.SetCurrentState(ststate.UserStream{}.Keystroke(keys))

	require.NoError(t, p.client.Tick())
	require.Greater(t, len(p.clientLink.Sent), 1, "diff should not fit one datagram")

	require.NoError(t, p.server.Recv())
	require.EqualValues(t, 1, p.server.RemoteStateNum())

	events := p.server.LatestRemoteState().State.Events()
	require.Len(t, events, 1)
	require.Equal(t, keys, events[0].Keys)
}

func TestTransport_shutdownHandshake(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.StartShutdown()
	require.True(t, p.client.ShutdownInProgress())
	require.False(t, p.client.ShutdownAcknowledged())

	require.NoError(t, p.client.Tick())
	require.NoError(t, p.server.Recv())

	p.clk.Advance(100)
	require.NoError(t, p.server.Tick())
	require.True(t, p.server.CounterpartyShutdownAckSent())

	require.NoError(t, p.client.Recv())
	require.True(t, p.client.ShutdownAcknowledged())
	require.False(t, p.client.ShutdownAckTimedOut())
}

func TestTransport_shutdownAckTimesOut(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	// Peer never hears us.
	p.clientLink.Drop = func([]byte) bool { return true }

	p.client.StartShutdown()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.client.Tick())
		p.clk.Advance(p.client.SendInterval())
	}

	require.False(t, p.client.ShutdownAcknowledged())
	require.True(t, p.client.ShutdownAckTimedOut())
}

func TestTransport_setCurrentStateAfterShutdownPanics(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	p.client.StartShutdown()
	require.Panics(t, func() {
		p.client.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("x")))
	})
}

func TestTransport_detachedServerStaysQuiet(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	p.serverLink.SetAttached(false)

	p.server.SetCurrentState(ststate.UserStream{}.Keystroke([]byte("x")))
	p.clk.Advance(5000)
	require.NoError(t, p.server.Tick())
	require.Empty(t, p.serverLink.Sent)
}

func TestTransport_bidirectionalConvergence(t *testing.T) {
	t.Parallel()

	p := newPair(t)

	clientState := ststate.UserStream{}.Keystroke([]byte("up"))
	serverState := ststate.UserStream{}.Keystroke([]byte("down"))

	p.client.SetCurrentState(clientState)
	p.server.SetCurrentState(serverState)

	for i := 0; i < 10; i++ {
		p.pump(t)
		p.clk.Advance(250)
	}

	require.Len(t, p.server.LatestRemoteState().State.Events(), 1)
	require.Len(t, p.client.LatestRemoteState().State.Events(), 1)
	require.Equal(t, []byte("up"), p.server.LatestRemoteState().State.Events()[0].Keys)
	require.Equal(t, []byte("down"), p.client.LatestRemoteState().State.Events()[0].Keys)
}
