package bus

import (
	"sync"

	"github.com/cjeanneret/SplitFlap/internal/debug"
)

// Port patterns as seen on the drum boards. Kept here so the simulator can
// decode what the controller writes; the drum package owns the authoritative copy.
var simPhases = [4]uint16{0xFFE7, 0xFFF3, 0xFFF9, 0xFFED}

// SimDrum is a simulated PCF8575 board with a stepper and a hall sensor on P17.
type SimDrum struct {
	StepsPerRotation int
	MagnetStep       int // physical step at which the magnet passes the sensor
	MagnetWidth      int // steps during which the sensor stays triggered; 0 = 1

	pos      int
	rotor    int // last energized phase, -1 = unknown
	lastPort uint16
	writes   int
	failNext int
	short    bool
}

// Sim is a development bus populated with simulated drums.
// Addresses with no drum attached NACK like an empty I2C slot.
type Sim struct {
	mu    sync.Mutex
	drums map[uint16]*SimDrum
}

// NewSim creates an empty simulated bus.
func NewSim() *Sim {
	debug.Info("Using SIMULATED drum bus (development mode)")
	return &Sim{drums: make(map[uint16]*SimDrum)}
}

// Attach places a simulated drum at addr, starting at physical step start.
func (s *Sim) Attach(addr uint16, d *SimDrum, start int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.pos = start
	d.rotor = -1
	if d.MagnetWidth <= 0 {
		d.MagnetWidth = 1
	}
	s.drums[addr] = d
}

// FailWrites makes the next n writes to addr fail with DataNack.
func (s *Sim) FailWrites(addr uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drums[addr]; ok {
		d.failNext = n
	}
}

// ShortReads makes reads from addr return a single byte (malformed).
func (s *Sim) ShortReads(addr uint16, short bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drums[addr]; ok {
		d.short = short
	}
}

// Position returns the physical step of the drum at addr.
func (s *Sim) Position(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drums[addr]; ok {
		return d.pos
	}
	return -1
}

// Port returns the last pattern written to addr.
func (s *Sim) Port(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drums[addr]; ok {
		return d.lastPort
	}
	return 0
}

// Writes returns how many successful writes addr received.
func (s *Sim) Writes(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drums[addr]; ok {
		return d.writes
	}
	return 0
}

func (s *Sim) Write16(addr uint16, pattern uint16) ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drums[addr]
	if !ok {
		return AddressNack
	}
	if d.failNext > 0 {
		d.failNext--
		return DataNack
	}
	d.writes++
	d.lastPort = pattern
	debug.Bus("sim write", addr, pattern)

	phase := -1
	for i, p := range simPhases {
		if p == pattern {
			phase = i
		}
	}
	if phase < 0 {
		// All coils off: the rotor keeps its alignment.
		return Success
	}
	switch {
	case d.rotor < 0:
	case phase == (d.rotor+1)%4:
		d.pos = (d.pos + 1) % d.StepsPerRotation
	case phase == (d.rotor+3)%4:
		d.pos = (d.pos + d.StepsPerRotation - 1) % d.StepsPerRotation
	}
	d.rotor = phase
	return Success
}

func (s *Sim) Read16(addr uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drums[addr]
	if !ok || d.short {
		return 0, false
	}
	word := uint16(0x7FFF)
	dist := (d.pos - d.MagnetStep + d.StepsPerRotation) % d.StepsPerRotation
	if dist < d.MagnetWidth {
		word |= 1 << 15
	}
	return word, true
}

func (s *Sim) Close() error {
	debug.Trace("Sim bus Close")
	return nil
}
