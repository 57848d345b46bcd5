// Package mode decides what the display should show next in each operating
// mode. It has no hardware access; the control loop polls Next and writes
// whatever it returns.
package mode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/settings"
)

// Kind selects an operating mode.
type Kind string

const (
	Single Kind = "single" // show one text until it changes
	Multi  Kind = "multi"  // rotate through words
	Clock  Kind = "clock"  // show the time
)

const (
	DefaultWordDelay   = 10 * time.Second
	DefaultClockLayout = "15:04"
	minWordDelay       = time.Second
)

// ParseKind accepts a mode name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Single, Multi, Clock:
		return k, nil
	case "":
		return Single, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Settings configures a Player.
type Settings struct {
	Kind        Kind          `json:"mode"`
	Text        string        `json:"text,omitempty"`
	Words       []string      `json:"words,omitempty"`
	WordDelay   time.Duration `json:"word_delay,omitempty"`
	ClockLayout string        `json:"clock_layout,omitempty"`
}

// Validate fills defaults and rejects unusable settings.
func (s *Settings) Validate() error {
	k, err := ParseKind(string(s.Kind))
	if err != nil {
		return err
	}
	s.Kind = k

	if s.WordDelay <= 0 {
		s.WordDelay = DefaultWordDelay
	}
	if s.WordDelay < minWordDelay {
		s.WordDelay = minWordDelay
	}
	if s.ClockLayout == "" {
		s.ClockLayout = DefaultClockLayout
	}
	if s.Kind == Multi && len(s.Words) == 0 {
		return errors.New("multi mode needs at least one word")
	}
	return nil
}

// FromSettings reads the mode keys. Missing keys take defaults.
func FromSettings(r settings.Reader) (Settings, error) {
	var s Settings
	get := func(key string) (string, error) {
		v, err := r.String(key)
		if errors.Is(err, settings.ErrNotFound) {
			return "", nil
		}
		return v, err
	}

	kind, err := get(settings.KeyMode)
	if err != nil {
		return s, err
	}
	s.Kind = Kind(kind)
	if s.Text, err = get(settings.KeyText); err != nil {
		return s, err
	}
	words, err := get(settings.KeyWords)
	if err != nil {
		return s, err
	}
	s.Words = strings.Fields(words)
	if s.ClockLayout, err = get(settings.KeyClockLayout); err != nil {
		return s, err
	}

	secs, err := r.Float(settings.KeyWordDelay)
	switch {
	case errors.Is(err, settings.ErrNotFound):
	case err != nil:
		return s, err
	default:
		s.WordDelay = time.Duration(secs * float64(time.Second))
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Player produces the text to show for the active mode.
type Player struct {
	s        Settings
	last     string
	shown    bool
	word     int
	nextWord time.Time
}

// NewPlayer validates s and returns a player that will emit on its first poll.
func NewPlayer(s Settings) (*Player, error) {
	p := &Player{}
	if err := p.Set(s); err != nil {
		return nil, err
	}
	return p, nil
}

// Set switches mode. The next poll always emits.
func (p *Player) Set(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	debug.Live("Mode: %s", s.Kind)
	p.s = s
	p.shown = false
	p.word = 0
	p.nextWord = time.Time{}
	return nil
}

// Settings returns the active settings.
func (p *Player) Settings() Settings { return p.s }

// Next returns the text to show at now, and whether it differs from what
// the player last emitted.
func (p *Player) Next(now time.Time) (string, bool) {
	var text string
	switch p.s.Kind {
	case Single:
		text = p.s.Text
	case Multi:
		if p.shown && now.Before(p.nextWord) {
			return p.last, false
		}
		text = p.s.Words[p.word%len(p.s.Words)]
		p.word++
		p.nextWord = now.Add(p.s.WordDelay)
	case Clock:
		text = strings.ToUpper(now.Format(p.s.ClockLayout))
	}

	if p.shown && text == p.last {
		return text, false
	}
	p.last = text
	p.shown = true
	return text, true
}
