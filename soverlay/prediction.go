package soverlay

import (
	"math"

	"github.com/stm-shell/stm/sclock"
	"github.com/stm-shell/stm/sterm"
)

const (
	predictionLenMin = 20
	predictionLenMax = 2000

	// Flagging hysteresis bounds on SRTT, milliseconds.
	flaggingOn  = 150
	flaggingOff = 100

	// Predictions only display once more than this many of them
	// have been confirmed by server echo in a row.
	scoreThreshold = 3
)

// PredictionEngine collects the predicted effects of recent user
// keystrokes and scores them against the observed framebuffer.
//
// The first element, when any exist, is always the predicted
// cursor position; predicted cells follow in typing order.
type PredictionEngine struct {
	clock sclock.Clock

	elements []Element

	score int

	// Jacobson/Karn estimator of server echo time,
	// which sets the prediction TTL.
	rttHit bool
	srtt   float64
	rttvar float64

	flagging bool
}

// NewPredictionEngine returns an engine reading time from clock
// (nil for the process monotonic clock).
func NewPredictionEngine(clock sclock.Clock) *PredictionEngine {
	return &PredictionEngine{clock: sclock.OrMonotonic(clock)}
}

// Score returns the current confirmed-prediction streak.
func (p *PredictionEngine) Score() int {
	return p.score
}

// Flagging reports whether new predictions are being underlined.
func (p *PredictionEngine) Flagging() bool {
	return p.flagging
}

// Clear drops every outstanding prediction.
func (p *PredictionEngine) Clear() {
	p.elements = p.elements[:0]
}

// Apply paints every outstanding prediction into fb.
// The caller gates this on [PredictionEngine.Score].
func (p *PredictionEngine) Apply(fb *sterm.Framebuffer) {
	for _, e := range p.elements {
		e.Apply(fb)
	}
}

// PredictionLen returns the TTL for new predictions in ms:
// the estimator's retransmission-timeout formula
// clamped to [20, 2000].
func (p *PredictionEngine) PredictionLen() uint64 {
	rto := uint64(math.Ceil(1.25*p.srtt + 8*p.rttvar))
	if rto < predictionLenMin {
		rto = predictionLenMin
	} else if rto > predictionLenMax {
		rto = predictionLenMax
	}
	return rto
}

// NewUserByte records the predicted effect of one byte
// the user just typed, judged against the current framebuffer.
//
// Printable ASCII away from the right margin predicts a cell
// overwrite and a cursor advance. Anything else (control bytes,
// typing at the margin) drops all predictions: the effect is
// not worth guessing.
func (p *PredictionEngine) NewUserByte(b byte, fb *sterm.Framebuffer) {
	now := p.clock.Now()

	if len(p.elements) == 0 {
		// Starting from scratch: anchor at the real cursor.
		p.elements = append(p.elements, &ConditionalCursorMove{
			element: element{
				ExpirationTime: now + p.PredictionLen(),
				PredictionTime: now,
			},
			NewRow: fb.DS.CursorRow(),
			NewCol: fb.DS.CursorCol(),
		})
	}

	ccm := p.elements[0].(*ConditionalCursorMove)

	if ccm.NewRow >= fb.DS.Height() || ccm.NewCol >= fb.DS.Width() {
		return
	}

	if b >= 0x20 && b <= 0x7E && ccm.NewCol < fb.DS.Width()-2 {
		// TODO: replace an existing prediction at this cell
		// instead of stacking a second one.
		existing := fb.Cell(ccm.NewRow, ccm.NewCol)

		replacement := existing.Clone()
		replacement.Contents = []rune{rune(b)}

		coc := &ConditionalCell{
			Cell: Cell{
				element: element{
					ExpirationTime: now + p.PredictionLen(),
					PredictionTime: now,
				},
				Row:         ccm.NewRow,
				Col:         ccm.NewCol,
				Replacement: replacement,
				Flag:        p.flagging,
			},
			OriginalContents: existing.Clone(),
		}

		ccm.NewCol++
		ccm.ExpirationTime = now + p.PredictionLen()

		p.elements = append(p.elements, coc)
	} else {
		p.Clear()
		p.score = 0
	}
}

// CalculateScore walks the predictions in order, counting confirmed
// ones into the streak. Any disproved or expired prediction resets
// the streak to zero and drops everything.
func (p *PredictionEngine) CalculateScore(fb *sterm.Framebuffer) {
	now := p.clock.Now()

	for _, e := range p.elements {
		switch e.Validity(fb, now) {
		case Pending:
		case Correct:
			p.score++
		case IncorrectOrExpired:
			p.score = 0
			p.Clear()
			return
		}
	}
}

// Cull removes predictions that have reached a terminal validity,
// feeding each confirmed one's echo time into the TTL estimator,
// and updates the underline hysteresis.
func (p *PredictionEngine) Cull(fb *sterm.Framebuffer) {
	now := p.clock.Now()

	kept := p.elements[:0]
	for _, e := range p.elements {
		v := e.Validity(fb, now)

		if v == Correct {
			p.observeEcho(now, e)
		}

		if v == Pending {
			kept = append(kept, e)
		}
	}
	p.elements = kept

	if p.srtt > flaggingOn {
		// Echo is slow enough that the user deserves to see
		// which characters are still speculative.
		p.flagging = true
	}
	if p.srtt < flaggingOff {
		p.flagging = false
	}
}

func (p *PredictionEngine) observeEcho(now uint64, e Element) {
	var predTime uint64
	switch el := e.(type) {
	case *ConditionalCell:
		predTime = el.PredictionTime
	case *ConditionalCursorMove:
		predTime = el.PredictionTime
	default:
		return
	}

	r := float64(now - predTime)
	if !p.rttHit {
		p.srtt = r
		p.rttvar = r / 2
		p.rttHit = true
		return
	}

	const (
		alpha = 1.0 / 8.0
		beta  = 1.0 / 4.0
	)
	p.rttvar = (1-beta)*p.rttvar + beta*math.Abs(p.srtt-r)
	p.srtt = (1-alpha)*p.srtt + alpha*r
}

// SRTT returns the smoothed server-echo time estimate in ms.
func (p *PredictionEngine) SRTT() float64 {
	return p.srtt
}
