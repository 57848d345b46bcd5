package display

// DrumState is the published view of one drum.
type DrumState struct {
	Index       int    `json:"index"`
	Address     uint16 `json:"address"`
	Position    int    `json:"position"`
	Char        string `json:"char"`
	Offset      int    `json:"offset"`
	Faulted     bool   `json:"faulted"`
	Homed       bool   `json:"homed"`
	ErrorStreak int    `json:"error_streak"`
	Steps       uint64 `json:"steps"`
}

// State is a point-in-time snapshot of the display.
type State struct {
	Drums         []DrumState `json:"drums"`
	Text          string      `json:"text"`
	MotorsActive  bool        `json:"motors_active"`
	DisplayOffset int         `json:"display_offset"`
	MaxRPM        float64     `json:"max_rpm"`
	Charset       string      `json:"charset"`
}

// Shown returns what the display currently shows, read back from positions.
func (s State) Shown() string {
	rs := make([]rune, 0, len(s.Drums))
	for _, d := range s.Drums {
		rs = append(rs, []rune(d.Char)...)
	}
	return string(rs)
}

// State captures every drum's position and fault state.
func (d *Display) State() State {
	st := State{
		Drums:         make([]DrumState, d.count),
		Text:          d.text,
		MotorsActive:  d.motorsActive,
		DisplayOffset: d.displayOffset,
		MaxRPM:        d.maxRPM,
		Charset:       d.drums[0].Charset().Name(),
	}
	for i := 0; i < d.count; i++ {
		m := d.drums[i]
		st.Drums[i] = DrumState{
			Index:       i,
			Address:     m.Address(),
			Position:    m.Position(),
			Char:        string(m.CharAt(m.Position())),
			Offset:      d.offsets[i],
			Faulted:     m.Faulted(),
			Homed:       m.Homed(),
			ErrorStreak: m.ErrorStreak(),
			Steps:       m.Steps(),
		}
	}
	return st
}
