// Package display coordinates every drum of a split-flap display: homing,
// synchronized moves at a bounded speed, power sequencing and text layout.
//
// A Display is not safe for concurrent use. It is owned by the control loop
// and every blocking call yields only through the scheduler.
package display

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/hw/bus"
	"github.com/cjeanneret/SplitFlap/internal/hw/drum"
	"github.com/cjeanneret/SplitFlap/internal/logic/geometry"
	"github.com/cjeanneret/SplitFlap/internal/logic/sched"
)

const (
	// MaxDrums is the capacity of the drum arena.
	MaxDrums = 8
	// MaxRPM is the fastest a drum is ever driven.
	MaxRPM = 15.0

	// SensorCheckInterval is the minimum time between two sensor reads of
	// one drum while homing. Shorter intervals see the hall sensor bounce.
	SensorCheckInterval = 20 * time.Millisecond
	// MotorSettleDelay lets the rotor align with the field after power changes.
	MotorSettleDelay = 200 * time.Millisecond

	// DefaultHomeMaxRotations bounds a homing pass: a drum whose sensor has
	// not triggered after this many full turns is given up.
	DefaultHomeMaxRotations = 2
)

// ErrModuleIndex is returned by per-drum operations given a bad index.
var ErrModuleIndex = errors.New("module index out of range")

// Display owns a fixed-capacity arena of drums.
type Display struct {
	sched *sched.Scheduler

	drums   [MaxDrums]*drum.Drum
	offsets [MaxDrums]int
	count   int

	displayOffset    int
	maxRPM           float64
	centering        bool
	homeMaxRotations int
	idleThreshold    time.Duration

	motorsActive bool
	text         string
	rng          *rand.Rand
}

// New builds the drum controllers. No bus traffic happens until Init.
func New(b bus.Bus, s *sched.Scheduler, cfg Config) (*Display, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := &Display{
		sched:            s,
		count:            len(cfg.Drums),
		displayOffset:    cfg.DisplayOffset,
		maxRPM:           cfg.MaxRPM,
		centering:        cfg.Centering,
		homeMaxRotations: cfg.HomeMaxRotations,
		idleThreshold:    cfg.IdleThreshold,
		rng:              rand.New(rand.NewSource(s.Now().UnixNano())),
	}

	for i, dc := range cfg.Drums {
		spr := dc.StepsPerRotation
		if spr == 0 {
			spr = cfg.StepsPerRotation
		}
		magnet := dc.MagnetPosition
		if magnet == 0 {
			magnet = cfg.MagnetPosition
		}
		cs := dc.Charset
		if cs == nil {
			cs = cfg.Charset
		}

		m, err := drum.New(b, s, drum.Config{
			Address:          dc.Address,
			StepsPerRotation: spr,
			Offset:           dc.Offset + cfg.DisplayOffset,
			MagnetPosition:   magnet,
			Charset:          cs,
		})
		if err != nil {
			return nil, fmt.Errorf("drum %d: %w", i, err)
		}
		d.drums[i] = m
		d.offsets[i] = dc.Offset
	}
	return d, nil
}

// Init runs every drum's own init sequence and leaves motors stopped.
func (d *Display) Init() {
	debug.Section("Display init")
	for i := 0; i < d.count; i++ {
		debug.Step(i+1, fmt.Sprintf("init drum 0x%02x", d.drums[i].Address()))
		d.drums[i].Init()
	}
	d.motorsActive = false
	debug.Info("Display ready: %d drums, max %.1f rpm", d.count, d.maxRPM)
}

// Count returns the number of drums.
func (d *Display) Count() int { return d.count }

// Drum returns the controller at index i.
func (d *Display) Drum(i int) (*drum.Drum, error) {
	if i < 0 || i >= d.count {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrModuleIndex, i, d.count)
	}
	return d.drums[i], nil
}

// Centering reports the configured default for WriteString callers.
func (d *Display) Centering() bool { return d.centering }

// MaxRPM returns the configured speed bound.
func (d *Display) MaxRPM() float64 { return d.maxRPM }

// MotorsActive reports whether the coils are energized.
func (d *Display) MotorsActive() bool { return d.motorsActive }

// SetOffsets replaces the calibration table. Call UpdateOffsets to apply it.
func (d *Display) SetOffsets(module []int, displayOffset int) {
	for i := 0; i < d.count; i++ {
		d.offsets[i] = 0
		if i < len(module) {
			d.offsets[i] = module[i]
		}
	}
	d.displayOffset = displayOffset
}

// SetOffset changes one drum's calibration offset and applies it.
func (d *Display) SetOffset(index, offset int) error {
	if index < 0 || index >= d.count {
		return fmt.Errorf("%w: %d (have %d)", ErrModuleIndex, index, d.count)
	}
	d.offsets[index] = offset
	d.drums[index].SetOffset(offset + d.displayOffset)
	return nil
}

// Offsets returns a copy of the calibration table.
func (d *Display) Offsets() (module []int, displayOffset int) {
	module = make([]int, d.count)
	copy(module, d.offsets[:d.count])
	return module, d.displayOffset
}

// UpdateOffsets applies the calibration table to every drum without
// re-running hardware init. Positions are corrected at the next homing.
func (d *Display) UpdateOffsets() {
	for i := 0; i < d.count; i++ {
		d.drums[i].SetOffset(d.offsets[i] + d.displayOffset)
	}
	debug.Live("Offsets updated: %v (display %+d)", d.offsets[:d.count], d.displayOffset)
}

// Home finds every drum's magnet, then parks all drums on blank.
func (d *Display) Home(speed float64) {
	debug.Live("Homing %d drums", d.count)
	d.homingPass(speed)
	d.MoveTo(d.blankTargets(), speed, true, true)
}

// WriteString shows text, one character per drum.
func (d *Display) WriteString(text string, speed float64, centering bool) {
	debug.Live("Write %q", text)
	d.MoveTo(d.textTargets(text, centering), speed, true, false)
	d.text = text
}

// WriteChar shows the same character on every drum.
func (d *Display) WriteChar(c rune, speed float64) {
	debug.Live("Write char %q", c)
	d.MoveTo(d.charTargets(c), speed, true, false)
	d.text = repeat(c, d.count)
}

// HomeToString homes first so the text lands on absolute positions.
func (d *Display) HomeToString(text string, speed float64, centering bool) {
	debug.Live("Home to %q", text)
	d.homingPass(speed)
	d.MoveTo(d.textTargets(text, centering), speed, true, true)
	d.text = text
}

// HomeToChar homes, then shows c on every drum.
func (d *Display) HomeToChar(c rune, speed float64) {
	debug.Live("Home to char %q", c)
	d.homingPass(speed)
	d.MoveTo(d.charTargets(c), speed, true, true)
	d.text = repeat(c, d.count)
}

// MoveTo drives every drum forward to its own target at one shared step
// rate. Drums that arrive early stop stepping; the move lasts as long as
// the longest distance. There is no acceleration ramp.
//
// Missing targets keep the drum where it is. isHoming skips the motor
// start and wake-up, since a homing pass has just energized the coils.
func (d *Display) MoveTo(targets []int, speed float64, releaseMotors, isHoming bool) {
	speed = geometry.ClampRPM(speed, d.maxRPM)
	delay := geometry.StepDelay(speed, d.maxStepsPerRotation())

	var remaining [MaxDrums]int
	longest := 0
	for i := 0; i < d.count; i++ {
		if i >= len(targets) {
			continue
		}
		m := d.drums[i]
		target := geometry.Normalize(targets[i], m.StepsPerRotation())
		remaining[i] = geometry.ForwardDistance(m.Position(), target, m.StepsPerRotation())
		if debug.IsEnabled(debug.LevelVerbose) {
			debug.Verbose("Drum %d (0x%02x): %d -> %d, %d steps", i, m.Address(), m.Position(), target, remaining[i])
		}
		if remaining[i] > longest {
			longest = remaining[i]
		}
	}
	debug.Move(d.count, longest, delay)

	if longest > 0 && !isHoming {
		d.startMotors()
		for i := 0; i < d.count; i++ {
			if remaining[i] > 0 && d.drums[i].NeedsWakeUp(d.idleThreshold) {
				d.drums[i].WakeUp()
			}
		}
	}

	next := d.sched.Now()
	for n := 0; n < longest; n++ {
		d.sched.Until(next)
		for i := 0; i < d.count; i++ {
			if remaining[i] > 0 {
				d.drums[i].Step(true)
				remaining[i]--
			}
		}
		next = d.nextStep(next, delay)
	}

	if releaseMotors {
		d.stopMotors()
	}
}

// homingPass is the homing barrier. Every drum not yet done takes one step
// per iteration; a drum is done when its sensor triggers or when it has
// turned HomeMaxRotations times without a trigger. Returns the number of
// iterations.
func (d *Display) homingPass(speed float64) int {
	speed = geometry.ClampRPM(speed, d.maxRPM)
	delay := geometry.StepDelay(speed, d.maxStepsPerRotation())
	d.startMotors()

	var (
		done     [MaxDrums]bool
		taken    [MaxDrums]int
		lastRead [MaxDrums]time.Time
		left     = d.count
	)
	iterations := 0
	next := d.sched.Now()
	for left > 0 {
		d.sched.Until(next)
		iterations++

		for i := 0; i < d.count; i++ {
			if done[i] {
				continue
			}
			m := d.drums[i]
			m.Step(true)
			taken[i]++

			now := d.sched.Now()
			if lastRead[i].IsZero() || now.Sub(lastRead[i]) >= SensorCheckInterval {
				lastRead[i] = now
				if m.ReadSensor() {
					m.MagnetTriggered()
					done[i] = true
					left--
					debug.Verbose("Drum %d (0x%02x) homed after %d steps", i, m.Address(), taken[i])
					continue
				}
			}
			if taken[i] >= d.homeMaxRotations*m.StepsPerRotation() {
				m.MarkHomeFailed()
				done[i] = true
				left--
				debug.Info("Drum %d (0x%02x) did not find its magnet in %d rotations, giving up",
					i, m.Address(), d.homeMaxRotations)
			}
		}
		next = d.nextStep(next, delay)
	}
	return iterations
}

// nextStep returns the deadline of the step after the one due at due.
// Consecutive steps of a drum are never closer than delay: an iteration that
// ran late pushes the rest of the move back instead of bursting to catch up.
func (d *Display) nextStep(due time.Time, delay time.Duration) time.Time {
	next := due.Add(delay)
	if floor := d.sched.Now().Add(delay); next.Before(floor) {
		return floor
	}
	return next
}

// StepsPerSensorCheck is how far a drum turns between two sensor reads
// while homing at rpm. A magnet window narrower than this can be stepped
// over without a read ever seeing it.
func StepsPerSensorCheck(stepsPerRotation int, rpm float64) int {
	delay := geometry.StepDelay(geometry.ClampRPM(rpm, MaxRPM), stepsPerRotation)
	if delay <= 0 || delay >= SensorCheckInterval {
		return 1
	}
	return int((SensorCheckInterval + delay - 1) / delay)
}

// startMotors energizes every drum at its last committed phase.
func (d *Display) startMotors() {
	if d.motorsActive {
		return
	}
	for i := 0; i < d.count; i++ {
		d.drums[i].Start()
	}
	d.motorsActive = true
	d.sched.Delay(MotorSettleDelay)
}

// stopMotors de-energizes every coil. The stop pattern is always written,
// even if the motors were already off.
func (d *Display) stopMotors() {
	if d.motorsActive {
		d.sched.Delay(MotorSettleDelay)
	}
	for i := 0; i < d.count; i++ {
		d.drums[i].Stop()
	}
	d.motorsActive = false
}

func (d *Display) maxStepsPerRotation() int {
	max := 0
	for i := 0; i < d.count; i++ {
		if spr := d.drums[i].StepsPerRotation(); spr > max {
			max = spr
		}
	}
	return max
}

func (d *Display) blankTargets() []int {
	targets := make([]int, d.count)
	for i := range targets {
		targets[i] = d.drums[i].BlankPosition()
	}
	return targets
}

func (d *Display) textTargets(text string, centering bool) []int {
	layout := geometry.Layout(text, d.count, centering)
	targets := make([]int, d.count)
	for i, r := range layout {
		targets[i] = d.drums[i].ResolvePosition(r)
	}
	return targets
}

func (d *Display) charTargets(c rune) []int {
	targets := make([]int, d.count)
	for i := range targets {
		targets[i] = d.drums[i].ResolvePosition(c)
	}
	return targets
}

func repeat(c rune, n int) string {
	rs := make([]rune, n)
	for i := range rs {
		rs[i] = c
	}
	return string(rs)
}
