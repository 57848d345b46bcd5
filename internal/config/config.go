package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/hw/bus"
	"github.com/cjeanneret/SplitFlap/internal/hw/drum"
	"github.com/cjeanneret/SplitFlap/internal/settings"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Hardware limits shared with the display package.
const (
	maxDrums = 8
	maxRPM   = 15.0
)

// DisplayConfig describes the drums. It only seeds the settings store:
// once the store holds a key, the store wins.
type DisplayConfig struct {
	ModuleAddresses  []string `yaml:"module_addresses"` // e.g. ["0x20", "0x21"]
	ModuleOffsets    []int    `yaml:"module_offsets"`   // per-drum calibration, in steps
	DisplayOffset    int      `yaml:"display_offset"`   // added to every drum's offset
	StepsPerRotation int      `yaml:"steps_per_rotation"`
	MagnetPosition   int      `yaml:"magnet_position"` // step count when the magnet passes the sensor
	Charset          string   `yaml:"charset"`         // "standard" (37) or "extended" (48)
	MaxRPM           float64  `yaml:"max_rpm"`
	Centering        *bool    `yaml:"centering"`          // default true
	HomeMaxRotations int      `yaml:"home_max_rotations"` // give up homing a drum after this many turns
}

// BusConfig selects the transport to the drum boards.
type BusConfig struct {
	Type           string `yaml:"type"`            // mock, i2c, modbus-tcp, modbus-rtu
	Device         string `yaml:"device"`          // i2c bus name, e.g. "/dev/i2c-1"
	Endpoint       string `yaml:"endpoint"`        // modbus host:port or serial device
	BaudRate       int    `yaml:"baud_rate"`       // modbus-rtu only
	OutputRegister uint16 `yaml:"output_register"` // holding register mirrored to the port
	InputRegister  uint16 `yaml:"input_register"`  // input register carrying the sensor word
	TimeoutMs      int    `yaml:"timeout_ms"`
}

// WatchdogConfig describes the external supervisor.
type WatchdogConfig struct {
	Pin            int `yaml:"pin"`              // BCM pin toggled on every feed; -1 = none
	FeedIntervalMs int `yaml:"feed_interval_ms"` // supervisor deadline
}

// ModeConfig is the initial operating mode, seeded like DisplayConfig.
type ModeConfig struct {
	Mode        string   `yaml:"mode"` // single, multi, clock
	Text        string   `yaml:"text"`
	Words       []string `yaml:"words"`
	WordDelayS  float64  `yaml:"word_delay_s"`
	ClockLayout string   `yaml:"clock_layout"` // Go time layout, e.g. "15:04"
}

// WebConfig configures the HTTP command surface.
type WebConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. ":8080"
}

// DefaultsConfig contains generic process parameters.
type DefaultsConfig struct {
	DebugLevel   int    `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO     bool   `yaml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	SettingsFile string `yaml:"settings_file"` // SQLite settings database; empty = in memory
}

// Config aggregates all application configuration.
type Config struct {
	Display  DisplayConfig  `yaml:"display"`
	Bus      BusConfig      `yaml:"bus"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Mode     ModeConfig     `yaml:"mode"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath only accepts .yaml files directly inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Watchdog: WatchdogConfig{Pin: -1}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	d := &cfg.Display
	if len(d.ModuleAddresses) == 0 {
		return nil, fmt.Errorf("display.module_addresses is required")
	}
	if len(d.ModuleAddresses) > maxDrums {
		return nil, fmt.Errorf("display.module_addresses: %d drums, at most %d supported", len(d.ModuleAddresses), maxDrums)
	}
	if _, err := cfg.Addresses(); err != nil {
		return nil, err
	}
	if len(d.ModuleOffsets) > len(d.ModuleAddresses) {
		return nil, fmt.Errorf("display.module_offsets has %d entries for %d drums", len(d.ModuleOffsets), len(d.ModuleAddresses))
	}
	if d.Charset == "" {
		d.Charset = "standard"
	}
	cs, err := drum.ParseCharset(d.Charset)
	if err != nil {
		return nil, fmt.Errorf("display.charset: %w", err)
	}
	if d.StepsPerRotation <= 0 {
		return nil, fmt.Errorf("display.steps_per_rotation must be > 0")
	}
	if d.StepsPerRotation < cs.Len() {
		return nil, fmt.Errorf("display.steps_per_rotation must be >= %d for the %s charset", cs.Len(), cs.Name())
	}
	if d.MagnetPosition < 0 || d.MagnetPosition >= d.StepsPerRotation {
		return nil, fmt.Errorf("display.magnet_position must be in [0, %d)", d.StepsPerRotation)
	}
	if d.MaxRPM <= 0 {
		d.MaxRPM = maxRPM
	}
	if d.MaxRPM > maxRPM {
		return nil, fmt.Errorf("display.max_rpm must be <= %.0f, got %.2f", maxRPM, d.MaxRPM)
	}
	if d.Centering == nil {
		on := true
		d.Centering = &on
	}
	if d.HomeMaxRotations <= 0 {
		d.HomeMaxRotations = 2
	}

	switch bus.Type(cfg.Bus.Type) {
	case "":
		cfg.Bus.Type = string(bus.TypeMock)
	case bus.TypeMock, bus.TypeI2C:
	case bus.TypeModbusTCP, bus.TypeModbusRTU:
		if cfg.Bus.Endpoint == "" {
			return nil, fmt.Errorf("bus.endpoint is required for %s", cfg.Bus.Type)
		}
	default:
		return nil, fmt.Errorf("bus.type %q unknown (mock, i2c, modbus-tcp, modbus-rtu)", cfg.Bus.Type)
	}
	if cfg.Bus.TimeoutMs <= 0 {
		cfg.Bus.TimeoutMs = 50
	}

	if cfg.Watchdog.FeedIntervalMs <= 0 {
		cfg.Watchdog.FeedIntervalMs = 100
	}

	if cfg.Mode.Mode == "" {
		cfg.Mode.Mode = "single"
	}
	if cfg.Mode.WordDelayS <= 0 {
		cfg.Mode.WordDelayS = 10
	}
	if cfg.Mode.ClockLayout == "" {
		cfg.Mode.ClockLayout = "15:04"
	}

	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

// Addresses parses display.module_addresses.
func (c *Config) Addresses() ([]uint16, error) {
	addrs, err := settings.ParseAddresses(strings.Join(c.Display.ModuleAddresses, ","))
	if err != nil {
		return nil, fmt.Errorf("display.module_addresses: %w", err)
	}
	return addrs, nil
}

// Transport converts the bus section for bus.Open.
func (c *Config) Transport() bus.Config {
	return bus.Config{
		Type:           bus.Type(c.Bus.Type),
		Device:         c.Bus.Device,
		Endpoint:       c.Bus.Endpoint,
		BaudRate:       c.Bus.BaudRate,
		OutputRegister: c.Bus.OutputRegister,
		InputRegister:  c.Bus.InputRegister,
		TimeoutMs:      c.Bus.TimeoutMs,
	}
}

// FeedInterval returns the watchdog deadline.
func (c *Config) FeedInterval() time.Duration {
	return time.Duration(c.Watchdog.FeedIntervalMs) * time.Millisecond
}

// WordDelay returns the multi mode rotation delay.
func (c *Config) WordDelay() time.Duration {
	return time.Duration(c.Mode.WordDelayS * float64(time.Second))
}

// SettingsDefaults returns the settings store seed values.
func (c *Config) SettingsDefaults() map[string]string {
	addrs, _ := c.Addresses()
	offsets := make([]int, len(addrs))
	copy(offsets, c.Display.ModuleOffsets)

	return map[string]string{
		settings.KeyModuleAddresses:  settings.FormatAddresses(addrs),
		settings.KeyModuleOffsets:    settings.FormatInts(offsets),
		settings.KeyDisplayOffset:    strconv.Itoa(c.Display.DisplayOffset),
		settings.KeyStepsPerRotation: strconv.Itoa(c.Display.StepsPerRotation),
		settings.KeyMagnetPosition:   strconv.Itoa(c.Display.MagnetPosition),
		settings.KeyCharset:          c.Display.Charset,
		settings.KeyMaxRPM:           strconv.FormatFloat(c.Display.MaxRPM, 'g', -1, 64),
		settings.KeyCentering:        strconv.FormatBool(*c.Display.Centering),
		settings.KeyHomeMaxRotations: strconv.Itoa(c.Display.HomeMaxRotations),
		settings.KeyMode:             c.Mode.Mode,
		settings.KeyText:             c.Mode.Text,
		settings.KeyWords:            strings.Join(c.Mode.Words, " "),
		settings.KeyWordDelay:        strconv.FormatFloat(c.Mode.WordDelayS, 'g', -1, 64),
		settings.KeyClockLayout:      c.Mode.ClockLayout,
	}
}
