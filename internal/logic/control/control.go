// Package control runs the resident control loop. One goroutine owns the
// display; everything else talks to it through Submit and reads State.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/logic/display"
	"github.com/cjeanneret/SplitFlap/internal/logic/mode"
	"github.com/cjeanneret/SplitFlap/internal/logic/sched"
	"github.com/cjeanneret/SplitFlap/internal/settings"
)

const (
	// IdleTick is how often the idle loop polls the mode player.
	IdleTick = 50 * time.Millisecond
	// PublishInterval is how often state is republished while a motion runs.
	PublishInterval = 500 * time.Millisecond

	DefaultQueueSize = 16
)

// ErrBusy is returned by Submit when the command queue is full.
var ErrBusy = errors.New("control loop busy")

// Op names a command.
type Op string

const (
	OpWriteString   Op = "write_string"
	OpWriteChar     Op = "write_char"
	OpHome          Op = "home"
	OpHomeToString  Op = "home_to_string"
	OpHomeToChar    Op = "home_to_char"
	OpSetOffset     Op = "set_offset"
	OpUpdateOffsets Op = "update_offsets"
	OpSetMode       Op = "set_mode"
	OpTestAll       Op = "test_all"
	OpTestCount     Op = "test_count"
	OpTestRandom    Op = "test_random"
	OpTestModule    Op = "test_module"
)

// Command is one request to the control loop. Speed 0 means the display's
// maximum; a nil Centering uses the display default.
type Command struct {
	Op        Op
	Text      string
	Char      rune
	Speed     float64
	Centering *bool
	Index     int
	Offset    int
	Mode      mode.Settings

	reply chan error
}

// Status is the published state: the display snapshot plus loop state.
type Status struct {
	display.State
	Mode    mode.Kind `json:"mode"`
	Busy    bool      `json:"busy"`
	Updated time.Time `json:"updated"`
}

// Publisher receives every new status. It runs on the control goroutine
// and must not block.
type Publisher func(Status)

// Runner is the control loop.
type Runner struct {
	disp    *display.Display
	sched   *sched.Scheduler
	player  *mode.Player
	store   settings.Store
	publish Publisher
	cmds    chan Command

	mu     sync.RWMutex
	status Status
	busy   bool
}

// New wires a runner. store may be nil, in which case nothing is persisted.
func New(d *display.Display, s *sched.Scheduler, p *mode.Player, store settings.Store, publish Publisher, queueSize int) *Runner {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Runner{
		disp:    d,
		sched:   s,
		player:  p,
		store:   store,
		publish: publish,
		cmds:    make(chan Command, queueSize),
	}
	s.Every("publish", PublishInterval, func(time.Time) { r.snapshot() })
	r.snapshot()
	return r
}

// Submit queues cmd without waiting for it to run.
func (r *Runner) Submit(cmd Command) error {
	select {
	case r.cmds <- cmd:
		debug.Verbose("Queued %s", cmd.Op)
		return nil
	default:
		return ErrBusy
	}
}

// Do queues cmd and waits until it has run, returning its error.
// Motion cannot be cancelled; ctx only bounds the wait.
func (r *Runner) Do(ctx context.Context, cmd Command) error {
	cmd.reply = make(chan error, 1)
	if err := r.Submit(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the last published status.
func (r *Runner) State() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Run homes the display to the first mode text, then serves commands
// until ctx is cancelled. A motion in progress always completes.
func (r *Runner) Run(ctx context.Context) error {
	debug.Info("Control loop started")
	if text, ok := r.player.Next(r.sched.Now()); ok {
		r.runCommand(Command{Op: OpHomeToString, Text: text})
	} else {
		r.runCommand(Command{Op: OpHome})
	}

	for {
		select {
		case <-ctx.Done():
			debug.Info("Control loop stopped")
			return ctx.Err()
		case cmd := <-r.cmds:
			r.runCommand(cmd)
		default:
			r.idle()
		}
	}
}

// idle is one pass of the idle loop: poll the mode player, then yield.
func (r *Runner) idle() {
	if text, ok := r.player.Next(r.sched.Now()); ok {
		r.runCommand(Command{Op: OpWriteString, Text: text})
	}
	r.sched.Delay(IdleTick)
}

func (r *Runner) runCommand(cmd Command) {
	r.setBusy(true)
	err := r.execute(cmd)
	r.setBusy(false) // publishes the post-command state

	if err != nil {
		debug.Info("Command %s failed: %v", cmd.Op, err)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (r *Runner) execute(cmd Command) error {
	debug.Live("Command: %s", cmd.Op)
	speed := cmd.Speed
	if speed <= 0 {
		speed = r.disp.MaxRPM()
	}
	centering := r.disp.Centering()
	if cmd.Centering != nil {
		centering = *cmd.Centering
	}

	switch cmd.Op {
	case OpWriteString:
		r.disp.WriteString(cmd.Text, speed, centering)
	case OpWriteChar:
		r.disp.WriteChar(cmd.Char, speed)
	case OpHome:
		r.disp.Home(speed)
	case OpHomeToString:
		r.disp.HomeToString(cmd.Text, speed, centering)
	case OpHomeToChar:
		r.disp.HomeToChar(cmd.Char, speed)
	case OpSetOffset:
		if err := r.disp.SetOffset(cmd.Index, cmd.Offset); err != nil {
			return err
		}
		module, _ := r.disp.Offsets()
		return r.save(settings.KeyModuleOffsets, settings.FormatInts(module))
	case OpUpdateOffsets:
		if r.store == nil {
			return errors.New("no settings store")
		}
		module, disp, err := display.OffsetsFromSettings(r.store)
		if err != nil {
			return err
		}
		r.disp.SetOffsets(module, disp)
		r.disp.UpdateOffsets()
	case OpSetMode:
		return r.setMode(cmd.Mode)
	case OpTestAll:
		r.disp.TestAll()
	case OpTestCount:
		r.disp.TestCount()
	case OpTestRandom:
		r.disp.TestRandom(speed)
	case OpTestModule:
		return r.disp.TestModule(cmd.Index, speed)
	default:
		return fmt.Errorf("unknown command %q", cmd.Op)
	}
	return nil
}

// setMode switches the player and persists the mode keys. The idle loop
// writes the new text on its next pass.
func (r *Runner) setMode(s mode.Settings) error {
	if err := r.player.Set(s); err != nil {
		return err
	}
	s = r.player.Settings()

	values := map[string]string{
		settings.KeyMode:        string(s.Kind),
		settings.KeyText:        s.Text,
		settings.KeyWords:       strings.Join(s.Words, " "),
		settings.KeyWordDelay:   fmt.Sprintf("%g", s.WordDelay.Seconds()),
		settings.KeyClockLayout: s.ClockLayout,
	}
	for k, v := range values {
		if err := r.save(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) save(key, value string) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Set(key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (r *Runner) setBusy(b bool) {
	r.mu.Lock()
	r.busy = b
	r.mu.Unlock()
	r.snapshot()
}

// snapshot reads the display. Only called from the control goroutine,
// directly or through a scheduler task at a suspension point.
func (r *Runner) snapshot() {
	st := Status{
		State:   r.disp.State(),
		Mode:    r.player.Settings().Kind,
		Updated: r.sched.Now(),
	}
	r.mu.Lock()
	st.Busy = r.busy
	r.status = st
	r.mu.Unlock()

	if r.publish != nil {
		r.publish(st)
	}
}
