// Package settings is the runtime key/value store the display reads its
// hardware layout and calibration from. Values are strings; typed getters
// parse on read.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Keys understood by the display and the control loop.
const (
	KeyModuleAddresses  = "module_addresses"
	KeyModuleOffsets    = "module_offsets"
	KeyDisplayOffset    = "display_offset"
	KeyStepsPerRotation = "steps_per_rotation"
	KeyMagnetPosition   = "magnet_position"
	KeyCharset          = "charset"
	KeyMaxRPM           = "max_rpm"
	KeyCentering        = "centering"
	KeyHomeMaxRotations = "home_max_rotations"
	KeyMode             = "mode"
	KeyText             = "text"
	KeyWords            = "words"
	KeyWordDelay        = "word_delay_s"
	KeyClockLayout      = "clock_layout"
)

// ErrNotFound is returned for keys that were never set.
var ErrNotFound = errors.New("setting not found")

// Reader is the lookup side of a store.
type Reader interface {
	String(key string) (string, error)
	Int(key string) (int, error)
	Float(key string) (float64, error)
	Bool(key string) (bool, error)
}

// Store is a readable and writable settings backend.
type Store interface {
	Reader
	Set(key, value string) error
	All() (map[string]string, error)
	Close() error
}

// getter is the single primitive both backends implement; typed access
// is layered on top of it.
type getter func(key string) (string, error)

func (g getter) Int(key string) (int, error) {
	s, err := g(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, nil
}

func (g getter) Float(key string) (float64, error) {
	s, err := g(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return f, nil
}

func (g getter) Bool(key string) (bool, error) {
	s, err := g(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return b, nil
}

// Memory is an in-process store, used in tests and with -settings "".
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) String(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) Int(key string) (int, error) { return getter(m.String).Int(key) }
func (m *Memory) Float(key string) (float64, error) { return getter(m.String).Float(key) }
func (m *Memory) Bool(key string) (bool, error) { return getter(m.String).Bool(key) }

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) All() (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Seed writes every default whose key is missing. Existing values, such as
// offsets calibrated at runtime, are left alone.
func Seed(s Store, defaults map[string]string) error {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, err := s.String(k)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.Set(k, defaults[k]); err != nil {
			return err
		}
	}
	return nil
}

// ParseAddresses parses a comma separated list of bus addresses.
// Hex ("0x20") and decimal are both accepted.
func ParseAddresses(s string) ([]uint16, error) {
	var out []uint16
	for _, f := range splitList(s) {
		n, err := strconv.ParseUint(f, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", f, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

// FormatAddresses is the inverse of ParseAddresses.
func FormatAddresses(addrs []uint16) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = fmt.Sprintf("0x%02x", a)
	}
	return strings.Join(parts, ",")
}

// ParseInts parses a comma separated list of integers.
func ParseInts(s string) ([]int, error) {
	var out []int
	for _, f := range splitList(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// FormatInts is the inverse of ParseInts.
func FormatInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
