// Package sterm holds the terminal-side types the overlay engines
// operate on: cells, renditions, and the framebuffer contract.
//
// A full client pairs these with a terminal emulator that owns the
// authoritative framebuffer contents; this package provides the
// minimal concrete implementation the overlay layer requires.
package sterm

import "slices"

// Renditions is the graphic state of one cell.
type Renditions struct {
	Bold            bool
	Underlined      bool
	ForegroundColor int
	BackgroundColor int
}

// Cell is one character position on the screen.
//
// Contents holds the base character plus any combining characters.
// Width is 1 or 2 terminal columns.
type Cell struct {
	Contents   []rune
	Width      int
	Renditions Renditions
}

// NewCell returns an empty width-1 cell with the given background color.
func NewCell(backgroundColor int) Cell {
	return Cell{
		Width:      1,
		Renditions: Renditions{BackgroundColor: backgroundColor},
	}
}

// Equal reports value equality of contents, width, and renditions.
func (c Cell) Equal(o Cell) bool {
	return c.Width == o.Width &&
		c.Renditions == o.Renditions &&
		slices.Equal(c.Contents, o.Contents)
}

// Clone returns a deep copy of the cell.
func (c Cell) Clone() Cell {
	c.Contents = slices.Clone(c.Contents)
	return c
}
