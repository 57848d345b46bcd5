// Package watchdog feeds the external supervisor that resets the controller
// when the control loop stalls.
package watchdog

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/hw/gpio"
)

// GPIOFeeder toggles a header pin on every feed. Supervisors of the
// TPL5010/MAX6369 kind reset the board when the line stops changing.
type GPIOFeeder struct {
	mu    sync.Mutex
	drv   gpio.Driver
	pin   int
	level gpio.Level
	feeds uint64
}

// NewGPIOFeeder configures pin as an output driven low.
func NewGPIOFeeder(drv gpio.Driver, pin int) (*GPIOFeeder, error) {
	if err := drv.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("watchdog pin %d: %w", pin, err)
	}
	if err := drv.WritePin(pin, gpio.Low); err != nil {
		return nil, fmt.Errorf("watchdog pin %d: %w", pin, err)
	}
	debug.Info("Watchdog feed on GPIO %d", pin)
	return &GPIOFeeder{drv: drv, pin: pin}, nil
}

// Feed flips the pin.
func (f *GPIOFeeder) Feed() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := !f.level
	if err := f.drv.WritePin(f.pin, next); err != nil {
		return fmt.Errorf("feed watchdog: %w", err)
	}
	f.level = next
	f.feeds++
	return nil
}

// Feeds returns how many times the watchdog was fed.
func (f *GPIOFeeder) Feeds() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeds
}

// Nop is used when no supervisor is wired (pin < 0 in the config).
type Nop struct{}

func (Nop) Feed() error { return nil }
