package soverlay

import (
	"math"

	"github.com/stm-shell/stm/sclock"
	"github.com/stm-shell/stm/sterm"
)

// ForeverWait is the [*OverlayManager.WaitTime] sentinel meaning
// no overlay element is due to age out. Callers must still poll
// on I/O readiness; it is "no upper bound", not "sleep forever".
const ForeverWait = math.MaxInt

// OverlayManager owns the prediction and notification engines and
// applies them, in that order, on top of the emulator's framebuffer.
type OverlayManager struct {
	clock sclock.Clock

	predictions   *PredictionEngine
	notifications *NotificationEngine
}

// NewOverlayManager returns a manager reading time from clock
// (nil for the process monotonic clock).
func NewOverlayManager(clock sclock.Clock) *OverlayManager {
	clock = sclock.OrMonotonic(clock)
	return &OverlayManager{
		clock:         clock,
		predictions:   NewPredictionEngine(clock),
		notifications: NewNotificationEngine(clock),
	}
}

// Predictions returns the prediction engine.
func (m *OverlayManager) Predictions() *PredictionEngine {
	return m.predictions
}

// Notifications returns the notification engine.
func (m *OverlayManager) Notifications() *NotificationEngine {
	return m.notifications
}

// Apply scores and culls the predictions against fb, paints them
// only while the confirmation streak holds, then paints the banner.
func (m *OverlayManager) Apply(fb *sterm.Framebuffer) {
	m.predictions.CalculateScore(fb)
	m.predictions.Cull(fb)

	if m.predictions.Score() > scoreThreshold {
		m.predictions.Apply(fb)
	}

	m.notifications.Apply(fb)
}

// WaitTime returns milliseconds until the next overlay element
// expires, or [ForeverWait] when nothing is due.
func (m *OverlayManager) WaitTime() int {
	next := uint64(math.MaxUint64)

	if t, ok := m.notifications.minExpiration(); ok && t < next {
		next = t
	}
	for _, e := range m.predictions.elements {
		if t := e.Expiration(); t < next {
			next = t
		}
	}

	now := m.clock.Now()
	if next == math.MaxUint64 || next < now {
		return ForeverWait
	}
	return int(next - now)
}
