package soverlay

import (
	"fmt"

	"github.com/mattn/go-runewidth"

	"github.com/stm-shell/stm/sclock"
	"github.com/stm-shell/stm/sterm"
)

const (
	// Banner cell TTL and the minimum gap between re-renders.
	notificationTTL = 1100
	renderGap       = 250

	// How stale the connection must be before warning the user,
	// and how large a server-time jump forces a redraw.
	noContactAfter = 5000
	pingJump       = 4000

	bannerForeground = 37
	bannerBackground = 44
)

// NotificationEngine drives the one-row status banner showing
// connection health and host messages atop the framebuffer.
type NotificationEngine struct {
	clock sclock.Clock

	message           []rune
	messageExpiration uint64

	// Last wall-clock ms we heard from the server.
	lastWord uint64

	needsRender bool
	lastRender  uint64

	elements []*Cell
}

// NewNotificationEngine returns an engine reading time from clock
// (nil for the process monotonic clock).
func NewNotificationEngine(clock sclock.Clock) *NotificationEngine {
	clock = sclock.OrMonotonic(clock)
	return &NotificationEngine{
		clock:       clock,
		lastWord:    clock.Now(),
		needsRender: true,
	}
}

// ServerPing records that the server was heard from at time t.
// A jump after a long silence forces a banner redraw so the
// stale-connection warning disappears promptly.
func (n *NotificationEngine) ServerPing(t uint64) {
	if t-n.lastWord > pingJump {
		n.needsRender = true
	}
	n.lastWord = t
}

// SetNotificationString replaces the banner message,
// displayed for a short period.
func (n *NotificationEngine) SetNotificationString(message string) {
	n.message = []rune(message)
	n.messageExpiration = n.clock.Now() + notificationTTL
	n.needsRender = true
}

// RenderNotification rebuilds the banner's overlay cells.
// Rebuilds are rate-limited unless something marked the banner dirty.
func (n *NotificationEngine) RenderNotification() {
	now := n.clock.Now()

	if now-n.lastRender < renderGap && !n.needsRender {
		return
	}

	n.needsRender = false
	n.lastRender = now

	n.elements = n.elements[:0]

	if now >= n.messageExpiration {
		n.message = nil
	}

	timeExpired := now-n.lastWord > noContactAfter

	var text string
	switch {
	case len(n.message) == 0 && !timeExpired:
		return
	case len(n.message) == 0 && timeExpired:
		text = fmt.Sprintf("[stm] No contact for %.0f seconds. [To quit: Ctrl-^ .]",
			float64(now-n.lastWord)/1000.0)
	case len(n.message) != 0 && !timeExpired:
		text = fmt.Sprintf("[stm] %s", string(n.message))
	default:
		text = fmt.Sprintf("[stm] %s [To quit: Ctrl-^ .] (No contact for %.0f seconds.)",
			string(n.message), float64(now-n.lastWord)/1000.0)
	}

	template := sterm.Cell{
		Width: 1,
		Renditions: sterm.Renditions{
			Bold:            true,
			ForegroundColor: bannerForeground,
			BackgroundColor: bannerBackground,
		},
	}

	overlayCol := 0
	dirty := false
	var current *Cell

	startCell := func(col, width int) *Cell {
		c := &Cell{
			element: element{
				ExpirationTime: now + notificationTTL,
				PredictionTime: now,
			},
			Col:         col,
			Replacement: template.Clone(),
		}
		c.Replacement.Width = width
		return c
	}

	for _, ch := range text {
		switch w := runewidth.RuneWidth(ch); w {
		case 1, 2:
			if dirty {
				n.elements = append(n.elements, current)
			}

			current = startCell(overlayCol, w)
			current.Replacement.Contents = append(current.Replacement.Contents, ch)
			overlayCol += w
			dirty = true

		case 0:
			// Combining character.
			if current == nil || len(current.Replacement.Contents) == 0 {
				// A combining character with nothing to combine
				// with gets a synthesized no-break-space base.
				current = startCell(overlayCol, 1)
				current.Replacement.Contents = append(current.Replacement.Contents, '\u00a0')
				overlayCol++
				dirty = true
			}
			current.Replacement.Contents = append(current.Replacement.Contents, ch)

		default:
			// Nonprintable; skip.
		}
	}

	if dirty {
		n.elements = append(n.elements, current)
	}
}

// Apply paints the banner bar and its cells across row 0,
// hiding the cursor if it lives there.
func (n *NotificationEngine) Apply(fb *sterm.Framebuffer) {
	if len(n.elements) == 0 {
		return
	}

	if fb.DS.Width() <= 0 || fb.DS.Height() <= 0 {
		panic(fmt.Errorf("BUG: notification applied to empty framebuffer"))
	}

	bar := sterm.NewCell(bannerBackground)
	bar.Renditions.ForegroundColor = bannerForeground
	bar.Contents = []rune{' '}

	for col := 0; col < fb.DS.Width(); col++ {
		*fb.MutableCell(0, col) = bar.Clone()
	}

	if fb.DS.CursorRow() == 0 {
		fb.DS.CursorVisible = false
	}

	for _, e := range n.elements {
		e.Apply(fb)
	}
}

// MessageLive reports whether a banner message is outstanding,
// for tests and wait-time accounting.
func (n *NotificationEngine) MessageLive() bool {
	return len(n.elements) > 0
}

func (n *NotificationEngine) minExpiration() (uint64, bool) {
	if len(n.elements) == 0 {
		return 0, false
	}
	min := n.elements[0].ExpirationTime
	for _, e := range n.elements[1:] {
		if e.ExpirationTime < min {
			min = e.ExpirationTime
		}
	}
	return min, true
}
