package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/SplitFlap/internal/config"
	"github.com/cjeanneret/SplitFlap/internal/debug"
	"github.com/cjeanneret/SplitFlap/internal/hw/bus"
	"github.com/cjeanneret/SplitFlap/internal/hw/gpio"
	"github.com/cjeanneret/SplitFlap/internal/hw/watchdog"
	"github.com/cjeanneret/SplitFlap/internal/logic/control"
	"github.com/cjeanneret/SplitFlap/internal/logic/display"
	"github.com/cjeanneret/SplitFlap/internal/logic/mode"
	"github.com/cjeanneret/SplitFlap/internal/logic/sched"
	"github.com/cjeanneret/SplitFlap/internal/settings"
	"github.com/cjeanneret/SplitFlap/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	text := flag.String("text", "", "show this text at startup instead of the stored mode")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if port := webPort.port(); port > 0 {
		cfg.Web.Addr = fmt.Sprintf(":%d", port)
	}
	if *text != "" {
		cfg.Mode.Mode = string(mode.Single)
		cfg.Mode.Text = *text
	}

	if err := run(ctx, cfg, *cfgPath, *text != ""); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("splitflap: %v", err)
	}
}

// run wires the hardware, the display and the control loop, then serves
// until ctx is cancelled. forceMode overwrites the stored mode with cfg.Mode.
func run(ctx context.Context, cfg *config.Config, cfgPath string, forceMode bool) error {
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	var status, states *web.StatusBroadcaster
	if cfg.Web.Addr != "" {
		status = web.NewStatusBroadcaster()
		states = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(status)))
	}

	// GPIO and watchdog
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()
	feeder, err := newFeeder(gpioDriver, cfg.Watchdog.Pin)
	if err != nil {
		return err
	}
	s := sched.New(sched.SystemClock(), feeder, cfg.FeedInterval())
	debug.Value("Watchdog pin", cfg.Watchdog.Pin)
	debug.Value("Feed interval", cfg.FeedInterval())

	// Settings
	debug.Step(2, "Opening settings store")
	store, err := openSettings(cfg.Defaults.SettingsFile)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := settings.Seed(store, cfg.SettingsDefaults()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if forceMode {
		for _, key := range []string{settings.KeyMode, settings.KeyText} {
			if err := store.Set(key, cfg.SettingsDefaults()[key]); err != nil {
				return fmt.Errorf("store %s: %w", key, err)
			}
		}
	}

	dispCfg, err := display.ConfigFromSettings(store)
	if err != nil {
		return fmt.Errorf("display config: %w", err)
	}
	debug.PrintStruct("Display config", dispCfg)

	// Bus and display
	debug.Step(3, "Opening drum bus")
	debug.PrintStruct("Bus config", cfg.Transport())
	b, err := openBus(cfg.Transport(), dispCfg)
	if err != nil {
		return err
	}
	defer b.Close()

	debug.Step(4, "Initializing display")
	disp, err := display.New(b, s, dispCfg)
	if err != nil {
		return err
	}
	disp.Init()

	modeSettings, err := mode.FromSettings(store)
	if err != nil {
		return fmt.Errorf("mode settings: %w", err)
	}
	player, err := mode.NewPlayer(modeSettings)
	if err != nil {
		return err
	}
	debug.Value("Mode", modeSettings.Kind)

	// Control loop, optionally behind the web server
	var srv *web.Server
	var publish control.Publisher
	if cfg.Web.Addr != "" {
		srv = web.NewServer(cfg.Web.Addr, status, states, nil, disp.MaxRPM())
		publish = srv.Handlers().PublishState
	}
	runner := control.New(disp, s, player, store, publish, control.DefaultQueueSize)

	if srv != nil {
		srv.Handlers().Control = runner
		go func() {
			if err := srv.Run(ctx); err != nil {
				debug.Info("Web server stopped: %v", err)
			}
		}()
	}

	debug.Section("Running")
	return runner.Run(ctx)
}

func newFeeder(drv gpio.Driver, pin int) (sched.Feeder, error) {
	if pin < 0 {
		debug.Info("No watchdog pin configured")
		return watchdog.Nop{}, nil
	}
	f, err := watchdog.NewGPIOFeeder(drv, pin)
	if err != nil {
		return nil, fmt.Errorf("init watchdog: %w", err)
	}
	return f, nil
}

// openSettings opens the SQLite store, or an in-memory one when path is empty.
func openSettings(path string) (settings.Store, error) {
	if path == "" {
		debug.Info("Settings kept in memory")
		return settings.NewMemory(), nil
	}
	st, err := settings.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open settings %s: %w", path, err)
	}
	debug.Value("Settings file", path)
	return st, nil
}

// openBus opens the configured transport. The mock bus gets one simulated
// drum per configured address, spread around the wheel. Each magnet spans
// the steps a drum covers between two homing reads, like a real hall sensor
// seeing the magnet over a short arc.
func openBus(cfg bus.Config, disp display.Config) (bus.Bus, error) {
	if cfg.Type != bus.TypeMock {
		b, err := bus.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open bus: %w", err)
		}
		return b, nil
	}

	sim := bus.NewSim()
	for i, dc := range disp.Drums {
		spr := dc.StepsPerRotation
		if spr == 0 {
			spr = disp.StepsPerRotation
		}
		magnet := dc.MagnetPosition
		if magnet == 0 {
			magnet = disp.MagnetPosition
		}
		sim.Attach(dc.Address, &bus.SimDrum{
			StepsPerRotation: spr,
			MagnetStep:       magnet,
			MagnetWidth:      display.StepsPerSensorCheck(spr, disp.MaxRPM),
		}, i*spr/len(disp.Drums))
	}
	return sim, nil
}

// webPortFlag implements flag.Value for -web: 0 = use config, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
