package display

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/hw/drum"
	"github.com/cjeanneret/SplitFlap/internal/settings"
)

// DrumConfig describes one physical unit. Zero StepsPerRotation,
// MagnetPosition or nil Charset fall back to the display-wide value.
type DrumConfig struct {
	Address          uint16
	Offset           int
	StepsPerRotation int
	MagnetPosition   int
	Charset          *drum.Charset
}

// Config is the full hardware description of a display.
type Config struct {
	Drums            []DrumConfig
	StepsPerRotation int
	MagnetPosition   int
	Charset          *drum.Charset
	DisplayOffset    int
	MaxRPM           float64
	Centering        bool
	HomeMaxRotations int
	IdleThreshold    time.Duration
}

func (c *Config) validate() error {
	if len(c.Drums) == 0 {
		return errors.New("display: no drums configured")
	}
	if len(c.Drums) > MaxDrums {
		return fmt.Errorf("display: %d drums configured, at most %d supported", len(c.Drums), MaxDrums)
	}
	seen := make(map[uint16]bool, len(c.Drums))
	for _, d := range c.Drums {
		if seen[d.Address] {
			return fmt.Errorf("display: duplicate drum address 0x%02x", d.Address)
		}
		seen[d.Address] = true
	}
	if c.Charset == nil {
		c.Charset = drum.Standard
	}
	if c.MaxRPM <= 0 || c.MaxRPM > MaxRPM {
		c.MaxRPM = MaxRPM
	}
	if c.HomeMaxRotations <= 0 {
		c.HomeMaxRotations = DefaultHomeMaxRotations
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = drum.DefaultIdleThreshold
	}
	return nil
}

// ConfigFromSettings builds a display config from the settings store.
// Addresses and steps per rotation are required; the rest have defaults.
func ConfigFromSettings(s settings.Reader) (Config, error) {
	var cfg Config

	raw, err := s.String(settings.KeyModuleAddresses)
	if err != nil {
		return cfg, err
	}
	addrs, err := settings.ParseAddresses(raw)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", settings.KeyModuleAddresses, err)
	}

	offsets, err := optionalInts(s, settings.KeyModuleOffsets)
	if err != nil {
		return cfg, err
	}
	cfg.Drums = make([]DrumConfig, len(addrs))
	for i, a := range addrs {
		cfg.Drums[i].Address = a
		if i < len(offsets) {
			cfg.Drums[i].Offset = offsets[i]
		}
	}

	if cfg.StepsPerRotation, err = s.Int(settings.KeyStepsPerRotation); err != nil {
		return cfg, err
	}
	if cfg.MagnetPosition, err = optional(s.Int, settings.KeyMagnetPosition, 0); err != nil {
		return cfg, err
	}
	if cfg.DisplayOffset, err = optional(s.Int, settings.KeyDisplayOffset, 0); err != nil {
		return cfg, err
	}
	if cfg.MaxRPM, err = optional(s.Float, settings.KeyMaxRPM, MaxRPM); err != nil {
		return cfg, err
	}
	if cfg.Centering, err = optional(s.Bool, settings.KeyCentering, true); err != nil {
		return cfg, err
	}
	if cfg.HomeMaxRotations, err = optional(s.Int, settings.KeyHomeMaxRotations, DefaultHomeMaxRotations); err != nil {
		return cfg, err
	}

	name, err := optional(s.String, settings.KeyCharset, "standard")
	if err != nil {
		return cfg, err
	}
	if cfg.Charset, err = drum.ParseCharset(name); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// OffsetsFromSettings reads the calibration table only.
func OffsetsFromSettings(s settings.Reader) (module []int, display int, err error) {
	if module, err = optionalInts(s, settings.KeyModuleOffsets); err != nil {
		return nil, 0, err
	}
	display, err = optional(s.Int, settings.KeyDisplayOffset, 0)
	return module, display, err
}

func optional[T any](get func(string) (T, error), key string, def T) (T, error) {
	v, err := get(key)
	if errors.Is(err, settings.ErrNotFound) {
		return def, nil
	}
	return v, err
}

func optionalInts(s settings.Reader, key string) ([]int, error) {
	raw, err := optional(s.String, key, "")
	if err != nil {
		return nil, err
	}
	vals, err := settings.ParseInts(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return vals, nil
}
