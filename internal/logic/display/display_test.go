package display

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/hw/bus"
	"github.com/cjeanneret/SplitFlap/internal/hw/drum"
	"github.com/cjeanneret/SplitFlap/internal/logic/sched"
)

// scriptedBus records writes per address and triggers each drum's sensor
// on one scripted read.
type scriptedBus struct {
	writes    map[uint16][]uint16
	at        map[uint16][]time.Time // write times, when clock is set
	reads     map[uint16]int
	triggerAt map[uint16]int // read number (1-based) that sees the magnet; 0 = never
	clock     *sched.FakeClock
}

func newScriptedBus() *scriptedBus {
	return &scriptedBus{
		writes:    make(map[uint16][]uint16),
		at:        make(map[uint16][]time.Time),
		reads:     make(map[uint16]int),
		triggerAt: make(map[uint16]int),
	}
}

func (b *scriptedBus) Write16(addr uint16, pattern uint16) bus.ErrorCode {
	b.writes[addr] = append(b.writes[addr], pattern)
	if b.clock != nil {
		b.at[addr] = append(b.at[addr], b.clock.Now())
	}
	return bus.Success
}

func (b *scriptedBus) Read16(addr uint16) (uint16, bool) {
	b.reads[addr]++
	if k := b.triggerAt[addr]; k > 0 && b.reads[addr] == k {
		return 0xFFFF, true
	}
	return 0x7FFF, true
}

func (b *scriptedBus) Close() error { return nil }

func (b *scriptedBus) resetWrites() {
	for k := range b.writes {
		delete(b.writes, k)
	}
	for k := range b.at {
		delete(b.at, k)
	}
}

type harness struct {
	bus   *scriptedBus
	clock *sched.FakeClock
	wd    *sched.FeedRecorder
	disp  *Display
}

// 100 steps per rotation at 15 rpm gives 40ms per step, so every homing
// iteration is allowed a sensor read.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := sched.NewFakeClock()
	wd := &sched.FeedRecorder{Clock: clk}
	s := sched.New(clk, wd, 100*time.Millisecond)
	b := newScriptedBus()
	b.clock = clk

	if cfg.StepsPerRotation == 0 {
		cfg.StepsPerRotation = 100
	}
	d, err := New(b, s, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Init()
	b.resetWrites()
	return &harness{bus: b, clock: clk, wd: wd, disp: d}
}

func drumsAt(addrs ...uint16) []DrumConfig {
	out := make([]DrumConfig, len(addrs))
	for i, a := range addrs {
		out[i].Address = a
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	clk := sched.NewFakeClock()
	s := sched.New(clk, nil, 0)
	b := newScriptedBus()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no_drums", Config{StepsPerRotation: 100}},
		{"too_many", Config{StepsPerRotation: 100, Drums: drumsAt(1, 2, 3, 4, 5, 6, 7, 8, 9)}},
		{"duplicate", Config{StepsPerRotation: 100, Drums: drumsAt(0x20, 0x20)}},
		{"too_few_steps", Config{StepsPerRotation: 10, Drums: drumsAt(0x20)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(b, s, tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20), MaxRPM: 99})
	if h.disp.MaxRPM() != MaxRPM {
		t.Errorf("max rpm = %v, want clamp to %v", h.disp.MaxRPM(), MaxRPM)
	}
	if h.disp.homeMaxRotations != DefaultHomeMaxRotations {
		t.Errorf("home max rotations = %d", h.disp.homeMaxRotations)
	}
}

func TestInit_LeavesMotorsStopped(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21)})
	if h.disp.MotorsActive() {
		t.Error("motors active after init")
	}
}

func TestHomingPass_BarrierPerDrum(t *testing.T) {
	h := newHarness(t, Config{
		Drums: []DrumConfig{
			{Address: 0x20, Offset: 0},
			{Address: 0x21, Offset: 3},
			{Address: 0x22, Offset: -2},
		},
		MagnetPosition: 10,
		DisplayOffset:  1,
	})
	k := map[uint16]int{0x20: 5, 0x21: 12, 0x22: 9}
	for addr, n := range k {
		h.bus.triggerAt[addr] = n
	}

	iterations := h.disp.homingPass(MaxRPM)

	if iterations != 12 {
		t.Errorf("iterations = %d, want max(k) = 12", iterations)
	}
	want := []int{11, 14, 9}
	for i := 0; i < h.disp.Count(); i++ {
		m, _ := h.disp.Drum(i)
		if m.Position() != want[i] {
			t.Errorf("drum %d position = %d, want %d", i, m.Position(), want[i])
		}
		if m.Steps()-4 != uint64(k[m.Address()]) {
			t.Errorf("drum %d took %d homing steps, want %d", i, m.Steps()-4, k[m.Address()])
		}
		if !m.Homed() {
			t.Errorf("drum %d not homed", i)
		}
	}
	if gap := h.wd.MaxGap(); gap > 100*time.Millisecond {
		t.Errorf("watchdog gap %v during homing", gap)
	}
}

func TestHomingPass_GivesUpOnDeadSensor(t *testing.T) {
	h := newHarness(t, Config{
		Drums:            drumsAt(0x20, 0x21),
		HomeMaxRotations: 1,
	})
	h.bus.triggerAt[0x20] = 7
	// 0x21 never triggers.

	iterations := h.disp.homingPass(MaxRPM)

	if iterations != 100 {
		t.Errorf("iterations = %d, want one rotation (100)", iterations)
	}
	a, _ := h.disp.Drum(0)
	b, _ := h.disp.Drum(1)
	if !a.Homed() {
		t.Error("drum 0 should be homed")
	}
	if b.Homed() {
		t.Error("drum 1 should be marked not homed")
	}
}

func TestHomingPass_SensorReadRateLimited(t *testing.T) {
	// 2048 steps at 15 rpm is ~1.95ms per step: far below the sensor interval.
	h := newHarness(t, Config{Drums: drumsAt(0x20), StepsPerRotation: 2048})
	h.bus.triggerAt[0x20] = 3

	iterations := h.disp.homingPass(MaxRPM)

	// Reads land on iterations 1, 12 and 23, each at least 20ms after the last.
	if reads := h.bus.reads[0x20]; reads != 3 {
		t.Fatalf("reads = %d, want 3", reads)
	}
	if iterations != 23 {
		t.Errorf("iterations = %d, want 23", iterations)
	}
}

func TestHome_ParksOnBlank(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21), MagnetPosition: 90})
	h.bus.triggerAt[0x20] = 4
	h.bus.triggerAt[0x21] = 6

	h.disp.Home(MaxRPM)

	for i := 0; i < 2; i++ {
		m, _ := h.disp.Drum(i)
		if m.Position() != m.BlankPosition() {
			t.Errorf("drum %d at %d, want blank %d", i, m.Position(), m.BlankPosition())
		}
	}
	if h.disp.MotorsActive() {
		t.Error("motors should be released after homing")
	}
}

func TestMoveTo_ZeroDistanceStillReleases(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21)})
	before := h.clock.Now()

	// Init leaves every drum at step 4.
	h.disp.MoveTo([]int{4, 4}, MaxRPM, true, false)

	for _, addr := range []uint16{0x20, 0x21} {
		w := h.bus.writes[addr]
		if len(w) != 1 || w[0] != drum.PatternOff {
			t.Errorf("0x%02x writes = %#v, want a single stop", addr, w)
		}
	}
	if h.clock.Now() != before {
		t.Errorf("zero move took %v", h.clock.Now().Sub(before))
	}
}

func TestMoveTo_ZeroDistanceHold(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20)})
	h.disp.MoveTo([]int{4}, MaxRPM, false, false)
	if len(h.bus.writes[0x20]) != 0 {
		t.Errorf("writes = %#v, want none", h.bus.writes[0x20])
	}
}

func TestMoveTo_SynchronizedConstantRate(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21, 0x22)})
	start := make([]uint64, 3)
	for i := range start {
		m, _ := h.disp.Drum(i)
		start[i] = m.Steps()
	}
	// Drums stand at 4 after init.
	targets := []int{14, 4, 34}
	wantSteps := []uint64{10, 0, 30}

	h.disp.MoveTo(targets, MaxRPM, true, false)

	for i := range targets {
		m, _ := h.disp.Drum(i)
		if m.Position() != targets[i] {
			t.Errorf("drum %d at %d, want %d", i, m.Position(), targets[i])
		}
		if got := m.Steps() - start[i]; got != wantSteps[i] {
			t.Errorf("drum %d took %d steps, want %d", i, got, wantSteps[i])
		}
	}
	if h.disp.MotorsActive() {
		t.Error("motors not released")
	}
	if gap := h.wd.MaxGap(); gap > 100*time.Millisecond {
		t.Errorf("watchdog gap %v during move", gap)
	}
}

func TestMoveTo_ForwardOnlyWraps(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20)})
	m, _ := h.disp.Drum(0)
	before := m.Steps()

	h.disp.MoveTo([]int{2}, MaxRPM, true, false) // from 4, wraps through 99

	if got := m.Steps() - before; got != 98 {
		t.Errorf("steps = %d, want 98", got)
	}
}

func TestMoveTo_SpeedIsClamped(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20), MaxRPM: 15})
	// Init stepped moments ago, so no wake-up is added.
	start := h.clock.Now()
	h.disp.MoveTo([]int{54}, 1000, false, false) // 50 steps

	// Settle delay, then 49 inter-step waits of 40ms.
	want := MotorSettleDelay + 49*40*time.Millisecond
	if got := h.clock.Now().Sub(start); got < want {
		t.Errorf("move took %v, want at least %v", got, want)
	}
}

func TestMoveTo_WakesIdleDrums(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20)})
	h.clock.Advance(drum.DefaultIdleThreshold + time.Second)

	h.disp.MoveTo([]int{5}, MaxRPM, true, false)

	// Start (1) + wake-up (9) + one step (1) + stop (1).
	if n := len(h.bus.writes[0x20]); n != 12 {
		t.Errorf("writes = %d, want 12 with wake-up", n)
	}
}

func TestMoveTo_HomingSkipsStartAndWakeUp(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20)})
	h.clock.Advance(drum.DefaultIdleThreshold + time.Second)

	h.disp.MoveTo([]int{6}, MaxRPM, false, true)

	if n := len(h.bus.writes[0x20]); n != 2 {
		t.Errorf("writes = %d, want only the 2 steps", n)
	}
}

func TestWriteString_CentersAndFallsBackToBlank(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(1, 2, 3, 4, 5), StepsPerRotation: 740})
	h.disp.Home(MaxRPM) // no sensor script: gives up, parks on blank

	h.disp.WriteString("H?", MaxRPM, true)

	st := h.disp.State()
	if got := st.Shown(); got != " H   " {
		t.Errorf("shown = %q, want %q", got, " H   ")
	}
	if st.Text != "H?" {
		t.Errorf("text = %q", st.Text)
	}
}

func TestWriteString_TruncatesLongText(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(1, 2, 3)})
	h.disp.HomeToString("SPLITFLAP", MaxRPM, true)
	if got := h.disp.State().Shown(); got != "SPL" {
		t.Errorf("shown = %q, want SPL", got)
	}
}

func TestWriteChar(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(1, 2, 3)})
	h.disp.HomeToChar('z', MaxRPM)
	if got := h.disp.State().Shown(); got != "ZZZ" {
		t.Errorf("shown = %q, want ZZZ", got)
	}
	h.disp.WriteChar('7', MaxRPM)
	if got := h.disp.State().Shown(); got != "777" {
		t.Errorf("shown = %q, want 777", got)
	}
}

func TestOffsets(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21), MagnetPosition: 50})

	if err := h.disp.SetOffset(1, 7); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := h.disp.SetOffset(2, 7); !errors.Is(err, ErrModuleIndex) {
		t.Errorf("SetOffset out of range = %v, want ErrModuleIndex", err)
	}

	h.disp.SetOffsets([]int{-3}, 2)
	h.disp.UpdateOffsets()
	module, disp := h.disp.Offsets()
	if module[0] != -3 || module[1] != 0 || disp != 2 {
		t.Errorf("offsets = %v, %d", module, disp)
	}

	a, _ := h.disp.Drum(0)
	b, _ := h.disp.Drum(1)
	if a.MagnetPosition() != 49 || b.MagnetPosition() != 52 {
		t.Errorf("magnet positions = %d, %d, want 49, 52", a.MagnetPosition(), b.MagnetPosition())
	}
}

func TestTestModule(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21)})
	other, _ := h.disp.Drum(0)
	pos := other.Position()

	if err := h.disp.TestModule(1, MaxRPM); err != nil {
		t.Fatalf("TestModule: %v", err)
	}
	m, _ := h.disp.Drum(1)
	if m.Position() != m.BlankPosition() {
		t.Errorf("tested drum ends at %d, want blank", m.Position())
	}
	if other.Position() != pos {
		t.Error("untested drum moved")
	}
	if err := h.disp.TestModule(-1, MaxRPM); !errors.Is(err, ErrModuleIndex) {
		t.Errorf("TestModule(-1) = %v", err)
	}
}

func TestTestCount_EndsBlank(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20)})
	h.disp.TestCount()
	if got := h.disp.State().Shown(); got != " " {
		t.Errorf("shown = %q", got)
	}
	if gap := h.wd.MaxGap(); gap > 100*time.Millisecond {
		t.Errorf("watchdog gap %v during diagnostics", gap)
	}
}

func TestState(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21), Charset: drum.Extended, StepsPerRotation: 480})
	st := h.disp.State()
	if len(st.Drums) != 2 || st.Charset != "extended" {
		t.Fatalf("state = %+v", st)
	}
	if st.Drums[1].Address != 0x21 || st.Drums[1].Index != 1 {
		t.Errorf("drum state = %+v", st.Drums[1])
	}
}

func TestHomeToString_OnSimulatedDrums(t *testing.T) {
	clk := sched.NewFakeClock()
	s := sched.New(clk, nil, 100*time.Millisecond)
	sim := bus.NewSim()
	sim.Attach(0x20, &bus.SimDrum{StepsPerRotation: 200, MagnetStep: 30}, 0)
	sim.Attach(0x21, &bus.SimDrum{StepsPerRotation: 200, MagnetStep: 30}, 150)

	d, err := New(sim, s, Config{
		Drums:            drumsAt(0x20, 0x21),
		StepsPerRotation: 200,
		MagnetPosition:   30,
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Init()
	d.HomeToString("OK", MaxRPM, false)

	for i := 0; i < 2; i++ {
		m, _ := d.Drum(i)
		if phys := sim.Position(m.Address()); phys != m.Position() {
			t.Errorf("drum %d: physical %d, counted %d", i, phys, m.Position())
		}
	}
	if got := d.State().Shown(); got != "OK" {
		t.Errorf("shown = %q, want OK", got)
	}
}

// stallOnce makes the scheduler lose time right when a step falls due: once
// addr has seen a given number of writes and the next step is due, the clock
// jumps by the mapped duration. Returns the map so callers can check every
// stall fired.
func stallOnce(h *harness, addr uint16, delay time.Duration, stalls map[int]time.Duration) map[int]time.Duration {
	h.disp.sched.Every("stall", time.Millisecond, func(now time.Time) {
		at := h.bus.at[addr]
		if len(at) == 0 || now.Sub(at[len(at)-1]) < delay {
			return
		}
		if d, ok := stalls[len(at)]; ok {
			delete(stalls, len(at))
			h.clock.Advance(d)
		}
	})
	return stalls
}

func assertMinGap(t *testing.T, at []time.Time, want time.Duration) {
	t.Helper()
	for i := 1; i < len(at); i++ {
		if gap := at[i].Sub(at[i-1]); gap < want {
			t.Errorf("write %d came %v after the previous one, want at least %v", i, gap, want)
		}
	}
}

func TestMoveTo_LateIterationDoesNotBurst(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20)})
	// A long stall and one shorter than a step.
	left := stallOnce(h, 0x20, 40*time.Millisecond, map[int]time.Duration{
		4: 200 * time.Millisecond,
		8: 30 * time.Millisecond,
	})

	h.disp.MoveTo([]int{4 + 16}, MaxRPM, false, false)

	if len(left) != 0 {
		t.Fatalf("stalls never fired: %v", left)
	}
	at := h.bus.at[0x20]
	if len(at) != 17 {
		t.Fatalf("writes = %d, want start + 16 steps", len(at))
	}
	assertMinGap(t, at[1:], 40*time.Millisecond)
	if got := h.disp.drums[0].Position(); got != 20 {
		t.Errorf("position = %d, want 20", got)
	}
}

func TestHomingPass_LateIterationDoesNotBurst(t *testing.T) {
	h := newHarness(t, Config{Drums: drumsAt(0x20, 0x21)})
	h.bus.triggerAt[0x20] = 12
	h.bus.triggerAt[0x21] = 15
	left := stallOnce(h, 0x21, 40*time.Millisecond, map[int]time.Duration{
		5:  150 * time.Millisecond,
		10: 25 * time.Millisecond,
	})

	if n := h.disp.homingPass(MaxRPM); n != 15 {
		t.Errorf("iterations = %d, want 15", n)
	}
	if len(left) != 0 {
		t.Fatalf("stalls never fired: %v", left)
	}
	for _, addr := range []uint16{0x20, 0x21} {
		at := h.bus.at[addr]
		if len(at) < 2 {
			t.Fatalf("0x%02x: %d writes", addr, len(at))
		}
		assertMinGap(t, at[1:], 40*time.Millisecond)
	}
}

func TestStepsPerSensorCheck(t *testing.T) {
	cases := []struct {
		spr  int
		rpm  float64
		want int
	}{
		{100, MaxRPM, 1},   // 40ms per step
		{200, MaxRPM, 1},   // exactly one step per interval
		{2048, MaxRPM, 11}, // 1.95ms per step
		{2048, 0, 11},      // unset speed means full speed
		{2048, 7.5, 6},
		{4096, MaxRPM, 21},
	}
	for _, tc := range cases {
		if got := StepsPerSensorCheck(tc.spr, tc.rpm); got != tc.want {
			t.Errorf("StepsPerSensorCheck(%d, %v) = %d, want %d", tc.spr, tc.rpm, got, tc.want)
		}
	}
}

// newSimDisplay attaches one simulated drum per start position, all with a
// magnet window as wide as a drum turns between two homing reads.
func newSimDisplay(t *testing.T, spr, magnet int, starts ...int) (*Display, *bus.Sim) {
	t.Helper()
	clk := sched.NewFakeClock()
	s := sched.New(clk, nil, 100*time.Millisecond)
	sim := bus.NewSim()
	addrs := make([]uint16, len(starts))
	for i, start := range starts {
		addrs[i] = uint16(0x20 + i)
		sim.Attach(addrs[i], &bus.SimDrum{
			StepsPerRotation: spr,
			MagnetStep:       magnet,
			MagnetWidth:      StepsPerSensorCheck(spr, MaxRPM),
		}, start)
	}
	d, err := New(sim, s, Config{
		Drums:            drumsAt(addrs...),
		StepsPerRotation: spr,
		MagnetPosition:   magnet,
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Init()
	return d, sim
}

// Reads land every few steps on a 2048-step drum, so homing may stop up to
// one read interval past the magnet. The count then trails the rotor by
// less than that, which is well under one flap.
func TestHomingPass_SimulatedFineSteppers(t *testing.T) {
	const spr = 2048
	d, sim := newSimDisplay(t, spr, 100, 0, 700, 1500, 2000)
	window := StepsPerSensorCheck(spr, MaxRPM)

	n := d.homingPass(MaxRPM)
	if n > spr {
		t.Errorf("iterations = %d, want at most one rotation", n)
	}
	for i := 0; i < 4; i++ {
		m, _ := d.Drum(i)
		if !m.Homed() {
			t.Fatalf("drum %d not homed", i)
		}
		lead := (sim.Position(m.Address()) - m.Position() + spr) % spr
		if lead >= window {
			t.Errorf("drum %d: rotor %d ahead of count, want under %d", i, lead, window)
		}
	}
}

func TestHomeToString_OnSimulatedFineSteppers(t *testing.T) {
	const spr = 2048
	d, sim := newSimDisplay(t, spr, 0, 0, 512, 1024, 1536)

	d.HomeToString("GO", MaxRPM, true)

	if got := d.State().Shown(); got != " GO " {
		t.Errorf("shown = %q, want %q", got, " GO ")
	}
	for i := 0; i < 4; i++ {
		m, _ := d.Drum(i)
		if phys := m.CharAt(sim.Position(m.Address())); phys != m.CharAt(m.Position()) {
			t.Errorf("drum %d shows %q, counted %q", i, phys, m.CharAt(m.Position()))
		}
	}
}
