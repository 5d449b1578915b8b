package soverlay_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stm-shell/stm/sclock/sclocktest"
	"github.com/stm-shell/stm/soverlay"
	"github.com/stm-shell/stm/sterm"
)

func TestNotificationEngine_quietAndRecentRendersNothing(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	clk.Advance(1000)
	n.ServerPing(1000)
	n.RenderNotification()
	require.False(t, n.MessageLive())
}

func TestNotificationEngine_messageRendersBanner(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	n.SetNotificationString("hello")
	n.RenderNotification()
	require.True(t, n.MessageLive())

	fb := sterm.NewFramebuffer(80, 24)
	n.Apply(fb)

	// "[stm] hello" across row 0, bold white on blue.
	want := "[stm] hello"
	for i := 0; i < len(want); i++ {
		cell := fb.Cell(0, i)
		require.Equal(t, []rune{rune(want[i])}, cell.Contents, "column %d", i)
		require.True(t, cell.Renditions.Bold)
		require.Equal(t, 37, cell.Renditions.ForegroundColor)
		require.Equal(t, 44, cell.Renditions.BackgroundColor)
	}

	// Past the text the bar continues in banner colors.
	rest := fb.Cell(0, len(want))
	require.Equal(t, []rune{' '}, rest.Contents)
	require.Equal(t, 44, rest.Renditions.BackgroundColor)
}

func TestNotificationEngine_staleConnectionWarns(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	clk.Advance(6000)
	n.RenderNotification()
	require.True(t, n.MessageLive())

	fb := sterm.NewFramebuffer(80, 24)
	n.Apply(fb)

	want := "[stm] No contact for 6 seconds. [To quit: Ctrl-^ .]"
	for i := 0; i < len(want); i++ {
		require.Equal(t, []rune{rune(want[i])}, fb.Cell(0, i).Contents, "column %d", i)
	}
}

func TestNotificationEngine_pingAfterGapLatchesRedraw(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	// Go silent long enough for the warning to appear.
	clk.Set(9900)
	n.RenderNotification()
	require.True(t, n.MessageLive())

	// Contact resumes with a big time jump; even though the next
	// render falls inside the rate-limit window, the latch forces
	// it through and the stale warning clears immediately.
	n.ServerPing(10000)
	clk.Set(10050)
	n.RenderNotification()
	require.False(t, n.MessageLive())
}

func TestNotificationEngine_renderRateLimited(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	n.SetNotificationString("msg")
	n.RenderNotification()
	require.True(t, n.MessageLive())

	clk.Set(900)
	n.RenderNotification()
	require.True(t, n.MessageLive())

	// The message has expired, but the banner was rebuilt only
	// 220 ms ago and nothing marked it dirty, so the rebuild
	// is skipped and the stale cells stay.
	clk.Set(1120)
	n.RenderNotification()
	require.True(t, n.MessageLive())

	// Once the rate-limit window passes, the rebuild happens
	// and the expired message clears.
	clk.Set(1150)
	n.RenderNotification()
	require.False(t, n.MessageLive())
}

func TestNotificationEngine_messageExpires(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	n.SetNotificationString("gone soon")
	n.RenderNotification()
	require.True(t, n.MessageLive())

	clk.Advance(2000)
	n.ServerPing(2000)
	n.RenderNotification()
	require.False(t, n.MessageLive())
}

func TestNotificationEngine_combiningCharacterJoinsCell(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	// e followed by a combining acute accent occupies one cell.
	n.SetNotificationString("e\u0301!")
	n.RenderNotification()

	fb := sterm.NewFramebuffer(80, 24)
	n.Apply(fb)

	cell := fb.Cell(0, 6)
	require.Equal(t, []rune{'e', 0x0301}, cell.Contents)
	require.Equal(t, []rune{'!'}, fb.Cell(0, 7).Contents)
}

func TestNotificationEngine_hidesCursorOnBannerRow(t *testing.T) {
	t.Parallel()

	clk := new(sclocktest.Manual)
	n := soverlay.NewNotificationEngine(clk)

	n.SetNotificationString("hi")
	n.RenderNotification()

	fb := sterm.NewFramebuffer(80, 24)
	require.True(t, fb.DS.CursorVisible)

	n.Apply(fb)
	require.False(t, fb.DS.CursorVisible)
}
