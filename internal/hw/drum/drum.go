package drum

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/hw/bus"
	"github.com/cjeanneret/SplitFlap/internal/logic/geometry"
)

// Port patterns for the PCF8575 on each drum board.
// P17 is the hall sensor input, P01-P04 drive the coils through the ULN2003.
const (
	PatternOff  uint16 = 0b1111111111100001 // all coils de-energized
	PatternInit        = PatternOff         // P17 input, P01-P04 outputs
	sensorMask  uint16 = 1 << 15
)

// Coil patterns for commutation phases 0-3.
var phasePatterns = [4]uint16{
	0b1111111111100111,
	0b1111111111110011,
	0b1111111111111001,
	0b1111111111101101,
}

// PhasePattern returns the coil pattern for a commutation phase.
func PhasePattern(phase int) uint16 {
	return phasePatterns[phase&3]
}

const (
	// DefaultIdleThreshold is how long a drum may sit before it needs WakeUp.
	DefaultIdleThreshold = 5 * time.Minute

	errorStreakLimit = 3
	recoveryPause    = 10 * time.Millisecond

	initStepDelay     = 100 * time.Millisecond
	wakeEnergizeDelay = 50 * time.Millisecond
	wakeRockDelay     = 30 * time.Millisecond
	wakeHoldDelay     = 20 * time.Millisecond
)

// Timer provides time and suspension points. Delays must let other
// scheduled work run (see sched.Scheduler).
type Timer interface {
	Now() time.Time
	Delay(d time.Duration)
}

// Config holds the fixed hardware parameters of one drum.
type Config struct {
	Address          uint16
	StepsPerRotation int
	Offset           int // calibration offset added to the magnet position
	MagnetPosition   int // step count when the magnet passes the sensor
	Charset          *Charset
}

// Drum controls one character drum: a 4-phase stepper and a hall sensor
// behind a 16-bit port expander.
type Drum struct {
	bus   bus.Bus
	timer Timer

	address          uint16
	stepsPerRotation int
	charset          *Charset
	positions        []int

	position int
	phase    int

	magnetBase int
	offset     int

	errStreak int
	faulted   bool
	homed     bool

	steps    uint64
	lastStep time.Time
}

// New creates a drum controller. No bus traffic happens until Init.
func New(b bus.Bus, t Timer, cfg Config) (*Drum, error) {
	if b == nil || t == nil {
		return nil, errors.New("drum: bus and timer are required")
	}
	if cfg.Charset == nil {
		cfg.Charset = Standard
	}
	if cfg.StepsPerRotation < cfg.Charset.Len() {
		return nil, fmt.Errorf("drum 0x%02x: steps_per_rotation %d is smaller than the %d characters",
			cfg.Address, cfg.StepsPerRotation, cfg.Charset.Len())
	}

	return &Drum{
		bus:              b,
		timer:            t,
		address:          cfg.Address,
		stepsPerRotation: cfg.StepsPerRotation,
		charset:          cfg.Charset,
		positions:        geometry.PositionTable(cfg.StepsPerRotation, cfg.Charset.Len()),
		magnetBase:       cfg.MagnetPosition,
		offset:           cfg.Offset,
	}, nil
}

// Init configures the port expander and turns the motor through one
// full commutation cycle so the rotor locks onto a known phase.
func (d *Drum) Init() {
	debug.Verbose("Module 0x%02x: init (%d steps/rot, %s charset)", d.address, d.stepsPerRotation, d.charset.Name())
	d.write(PatternInit)
	d.Stop()

	d.timer.Delay(initStepDelay)
	for i := 0; i < 4; i++ {
		d.Step(true)
		d.timer.Delay(initStepDelay)
	}
	d.Stop()
}

// SetOffset changes the calibration offset. Takes effect at the next homing.
func (d *Drum) SetOffset(offset int) {
	d.offset = offset
}

// ResolvePosition returns the step position showing r. Characters not on
// the drum resolve to the blank flap.
func (d *Drum) ResolvePosition(r rune) int {
	i, ok := d.charset.Index(r)
	if !ok {
		debug.Live("Module 0x%02x: character %q not in %s charset, showing blank", d.address, r, d.charset.Name())
		return d.positions[0]
	}
	return d.positions[i]
}

// CharAt returns the character visible at a step position.
func (d *Drum) CharAt(position int) rune {
	position = geometry.Normalize(position, d.stepsPerRotation)
	idx := 0
	for i, p := range d.positions {
		if p > position {
			break
		}
		idx = i
	}
	return d.charset.At(idx)
}

// Step writes the coil pattern of the current phase. With advance, the
// step is committed: position and phase move forward by one.
// Without advance the same pattern is re-asserted (holding current only).
func (d *Drum) Step(advance bool) {
	d.write(phasePatterns[d.phase])
	if advance {
		d.position = (d.position + 1) % d.stepsPerRotation
		d.phase = (d.phase + 1) % 4
		d.steps++
		d.lastStep = d.timer.Now()
	}
}

// Stop de-energizes every coil. Position and phase are kept.
func (d *Drum) Stop() {
	d.write(PatternOff)
}

// Start restores holding torque at the last committed phase.
func (d *Drum) Start() {
	d.phase = (d.phase + 3) % 4
	d.Step(false)
}

// WakeUp frees a drum that sat idle long enough for grease and static
// friction to swallow the first step. No step is committed.
func (d *Drum) WakeUp() {
	debug.Verbose("Module 0x%02x: wake-up sequence", d.address)

	// Energize progressively.
	for i := 0; i < 4; i++ {
		d.Step(false)
		d.timer.Delay(wakeEnergizeDelay)
	}

	// Rock two phases forward and back to break static friction.
	original := d.phase
	for i := 0; i < 2; i++ {
		d.phase = (d.phase + 1) % 4
		d.Step(false)
		d.timer.Delay(wakeRockDelay)
	}
	for i := 0; i < 2; i++ {
		d.phase = (d.phase + 3) % 4
		d.Step(false)
		d.timer.Delay(wakeRockDelay)
	}

	// Full holding current on the original phase.
	d.phase = original
	d.Step(false)
	d.timer.Delay(wakeHoldDelay)
}

// NeedsWakeUp reports whether the last committed step is older than
// idleThreshold. Zero means DefaultIdleThreshold.
func (d *Drum) NeedsWakeUp(idleThreshold time.Duration) bool {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if d.lastStep.IsZero() {
		return true
	}
	return d.timer.Now().Sub(d.lastStep) > idleThreshold
}

// ReadSensor reports whether the magnet is in front of the hall sensor.
// A faulted drum is not read at all; a malformed reply reads as not triggered.
func (d *Drum) ReadSensor() bool {
	if d.faulted {
		return false
	}
	word, ok := d.bus.Read16(d.address)
	if !ok {
		return false
	}
	return word&sensorMask != 0
}

// MagnetTriggered resynchronizes the step counter to the sensor position.
func (d *Drum) MagnetTriggered() {
	d.position = geometry.Normalize(d.magnetBase+d.offset, d.stepsPerRotation)
	d.homed = true
}

// MarkHomeFailed records that the last homing pass gave up on this drum.
func (d *Drum) MarkHomeFailed() {
	d.homed = false
}

// Ping reports whether the board answers a read.
func (d *Drum) Ping() bool {
	_, ok := d.bus.Read16(d.address)
	return ok
}

// write sends a port pattern and keeps the transport failure bookkeeping.
func (d *Drum) write(pattern uint16) {
	code := d.bus.Write16(d.address, pattern)
	if code != bus.Success {
		d.errStreak++
		if !d.faulted || d.errStreak == 1 {
			d.faulted = true
			debug.Fault(d.address, code)
		}
		if d.errStreak >= errorStreakLimit {
			debug.Info("Module 0x%02x has persistent bus errors, attempting recovery", d.address)
			d.timer.Delay(recoveryPause)
			d.errStreak = 0
		}
		return
	}

	if d.errStreak > 0 || d.faulted {
		debug.Info("Module 0x%02x communication recovered", d.address)
		d.errStreak = 0
		d.faulted = false
	}
}

// Address returns the bus address of the drum's expander.
func (d *Drum) Address() uint16 { return d.address }

// Position returns the counted step position, in [0, StepsPerRotation).
// It is only meaningful once the drum has homed.
func (d *Drum) Position() int { return d.position }

// Phase returns the coil phase the next step will write, 0 to 3.
func (d *Drum) Phase() int { return d.phase }

// StepsPerRotation returns the number of steps in one full turn.
func (d *Drum) StepsPerRotation() int { return d.stepsPerRotation }

// Charset returns the characters printed on the drum.
func (d *Drum) Charset() *Charset { return d.charset }

// Offset returns the per-drum calibration added to the magnet position.
func (d *Drum) Offset() int { return d.offset }

// Faulted reports whether a write failed and none has succeeded since.
func (d *Drum) Faulted() bool { return d.faulted }

// ErrorStreak returns the number of consecutive failed writes since the
// last success or recovery pause.
func (d *Drum) ErrorStreak() int { return d.errStreak }

// Homed reports whether the last homing pass saw the magnet.
func (d *Drum) Homed() bool { return d.homed }

// Steps returns the number of committed steps since the drum was created.
func (d *Drum) Steps() uint64 { return d.steps }

// LastStep returns when the drum last stepped, or the zero time if never.
func (d *Drum) LastStep() time.Time { return d.lastStep }

// BlankPosition returns the step position of the blank flap.
func (d *Drum) BlankPosition() int { return d.positions[0] }

// MagnetPosition returns where the drum believes it is when the sensor triggers.
func (d *Drum) MagnetPosition() int {
	return geometry.Normalize(d.magnetBase+d.offset, d.stepsPerRotation)
}
