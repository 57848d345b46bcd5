package display

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/logic/geometry"
)

// Diagnostics go through the same MoveTo and homing code as normal text,
// so a passing sweep validates the real motion path.

const (
	diagHold        = time.Second
	diagCountLimit  = 100
	diagRandomMoves = 10
)

// TestAll homes, then sweeps every drum through its whole character set.
func (d *Display) TestAll() {
	debug.Summary("Diagnostic: full character sweep")
	d.HomeToChar(' ', d.maxRPM)

	cs := d.drums[0].Charset()
	for i := 1; i < cs.Len(); i++ {
		d.WriteChar(cs.At(i), d.maxRPM)
		d.sched.Delay(diagHold)
	}
	d.WriteChar(' ', d.maxRPM)
}

// TestCount homes, then counts up right-aligned from 0 to 99
// (fewer when the display has a single drum).
func (d *Display) TestCount() {
	debug.Summary("Diagnostic: count")
	d.Home(d.maxRPM)

	limit := diagCountLimit
	if d.count == 1 {
		limit = 10
	}
	for n := 0; n < limit; n++ {
		text := string(geometry.RightAlign(strconv.Itoa(n), d.count))
		d.WriteString(text, d.maxRPM, false)
		d.sched.Delay(diagHold / 4)
	}
	d.WriteChar(' ', d.maxRPM)
}

// TestRandom homes, then shows random strings from the first drum's charset.
func (d *Display) TestRandom(speed float64) {
	debug.Summary("Diagnostic: random")
	d.Home(speed)

	cs := d.drums[0].Charset()
	for n := 0; n < diagRandomMoves; n++ {
		rs := make([]rune, d.count)
		for i := range rs {
			rs[i] = cs.At(d.rng.Intn(cs.Len()))
		}
		d.WriteString(string(rs), speed, false)
		d.sched.Delay(diagHold)
	}
	d.WriteChar(' ', speed)
}

// TestModule drives one drum A, then 0, then blank. The others hold position.
func (d *Display) TestModule(index int, speed float64) error {
	if index < 0 || index >= d.count {
		return fmt.Errorf("%w: %d (have %d)", ErrModuleIndex, index, d.count)
	}
	m := d.drums[index]
	debug.Live("Diagnostic: module %d (0x%02x)", index, m.Address())

	for _, c := range []rune{'A', '0', ' '} {
		targets := make([]int, d.count)
		for i := range targets {
			targets[i] = d.drums[i].Position()
		}
		targets[index] = m.ResolvePosition(c)
		d.MoveTo(targets, speed, true, false)
		d.sched.Delay(diagHold)
	}
	return nil
}
