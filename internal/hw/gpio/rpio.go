package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver drives header pins through /dev/gpiomem with go-rpio.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver maps GPIO memory. Needs a Raspberry Pi with access to
// /dev/gpiomem (or root).
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w (is this a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped")

	return &RPiDriver{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

func (r *RPiDriver) setup(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("gpio %d: unknown pin mode %d", pin, mode)
	}
	r.pins[pin] = p
	return nil
}

// WritePin sets an output level. Pins that were never set up become outputs.
func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.setup(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// ReadPin samples a level. Pins that were never set up become inputs.
func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.setup(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}
	return Level(p.Read() == rpio.High), nil
}

// Close drops every used pin back to input, then unmaps GPIO memory.
// A watchdog line left floating stops being fed, which is what the
// supervisor expects when the process exits.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Trace("GPIO Close (real driver)")

	for pin, p := range r.pins {
		debug.Verbose("Releasing pin %d", pin)
		p.Input()
	}
	return rpio.Close()
}
