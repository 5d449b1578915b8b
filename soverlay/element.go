// Package soverlay implements the speculative local-echo layer:
// transient cell and cursor overrides applied to the terminal
// framebuffer at render time, plus the connection-health banner.
//
// Overlays are strictly advisory. The authoritative framebuffer is
// whatever the terminal emulator produced from server state;
// overlay writes are never fed back into it.
package soverlay

import "github.com/stm-shell/stm/sterm"

// Validity is the fate of an overlay element
// judged against the observed framebuffer.
type Validity int

const (
	// Pending elements are not yet decidable and not expired.
	Pending Validity = iota

	// Correct elements match what the server eventually drew.
	Correct

	// IncorrectOrExpired elements disagree with the framebuffer
	// or outlived their TTL.
	IncorrectOrExpired
)

// Element is one overlay item: a transient cell overwrite
// or cursor move.
type Element interface {
	// Validity judges the element against fb at time now (ms).
	Validity(fb *sterm.Framebuffer, now uint64) Validity

	// Apply writes the element's effect into fb.
	// Out-of-bounds elements apply as no-ops.
	Apply(fb *sterm.Framebuffer)

	// Expiration returns the element's TTL deadline in ms.
	Expiration() uint64
}

// element carries the timing common to every overlay item.
type element struct {
	// ExpirationTime is when the element stops being Pending.
	ExpirationTime uint64

	// PredictionTime is when the element was predicted,
	// used to clock server echo round trips.
	PredictionTime uint64
}

func (e element) Expiration() uint64 {
	return e.ExpirationTime
}

// Cell is an unconditional overlay cell overwrite,
// used by the notification banner.
type Cell struct {
	element

	Row int
	Col int

	Replacement sterm.Cell

	// Flag adds an underline when the cell is applied.
	Flag bool
}

func (c *Cell) Validity(_ *sterm.Framebuffer, now uint64) Validity {
	if now < c.ExpirationTime {
		return Pending
	}
	return IncorrectOrExpired
}

func (c *Cell) Apply(fb *sterm.Framebuffer) {
	if c.Row >= fb.DS.Height() || c.Col >= fb.DS.Width() {
		return
	}

	mut := fb.MutableCell(c.Row, c.Col)
	if !mut.Equal(c.Replacement) {
		*mut = c.Replacement.Clone()
		if c.Flag {
			mut.Renditions.Underlined = true
		}
	}
}

// ConditionalCell is a predicted cell overwrite that remains valid
// only while the framebuffer still shows what was there when the
// prediction was made.
type ConditionalCell struct {
	Cell

	// OriginalContents is the cell observed at prediction time.
	OriginalContents sterm.Cell
}

func (c *ConditionalCell) Validity(fb *sterm.Framebuffer, now uint64) Validity {
	if c.Row >= fb.DS.Height() || c.Col >= fb.DS.Width() {
		return IncorrectOrExpired
	}

	current := fb.Cell(c.Row, c.Col)

	if now < c.ExpirationTime && current.Equal(c.OriginalContents) {
		return Pending
	}

	if current.Equal(c.Replacement) {
		return Correct
	}
	return IncorrectOrExpired
}

// ConditionalCursorMove predicts where the cursor will be
// after the server processes recent input.
type ConditionalCursorMove struct {
	element

	NewRow int
	NewCol int
}

func (m *ConditionalCursorMove) Validity(fb *sterm.Framebuffer, now uint64) Validity {
	if m.NewRow >= fb.DS.Height() || m.NewCol >= fb.DS.Width() {
		return IncorrectOrExpired
	}

	if now < m.ExpirationTime {
		return Pending
	}

	if fb.DS.CursorRow() == m.NewRow && fb.DS.CursorCol() == m.NewCol {
		return Correct
	}
	return IncorrectOrExpired
}

func (m *ConditionalCursorMove) Apply(fb *sterm.Framebuffer) {
	if m.NewRow >= fb.DS.Height() || m.NewCol >= fb.DS.Width() || fb.DS.OriginMode {
		return
	}

	fb.DS.MoveRow(m.NewRow, false)
	fb.DS.MoveCol(m.NewCol, false)
}
