package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"slices"

	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/controller"
	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/linebackend"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/serialmux"
	"github.com/ncnr/pyrecs/internal/sim"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// HardwareFlags select the motion controller.
type HardwareFlags struct {
	Sim      bool    `help:"Use the simulated instrument" env:"PYRECS_SIM"`
	SimSpeed float64 `help:"Simulated motor speed in units per second" default:"5"`
	Serial   string  `help:"Motion controller serial device" env:"PYRECS_SERIAL" placeholder:"/dev/ttyUSB0"`
	Baud     int     `help:"Serial baud rate" default:"9600" env:"PYRECS_BAUD"`
	Parity   string  `help:"Serial parity (N, E or O)" default:"N"`
}

// hardware is an opened backend and scaler.
type hardware struct {
	backend motion.Backend
	scaler  counting.Scaler
	// admin is set when the transport has debug routes.
	admin interface{ AttachAdminRoutes(*http.ServeMux) }
	close func() error
}

// defaultSimConfig is used with --sim when no configuration file exists.
func defaultSimConfig() *config.InstrumentConfig {
	cfg := &config.InstrumentConfig{
		Name:       "sim",
		Wavelength: 4.75,
		Scaler:     config.ScalerConfig{GatingMode: config.GatingTime, TimePreset: 1, MonitorPreset: 10000},
		Motion:     config.MotionConfig{PollInterval: "50ms", CallTimeout: "5s"},
	}
	for n := 1; n <= 6; n++ {
		cfg.Motors = append(cfg.Motors, config.MotorConfig{
			Number:     n,
			Backlash:   -0.5,
			Tolerance:  0.01,
			LowerLimit: -180,
			UpperLimit: 180,
		})
	}
	return cfg
}

// loadStore reads the instrument file. A missing file is allowed with
// --sim; the second result reports whether the file was read.
func loadStore(path string, hw HardwareFlags) (*config.Store, bool, error) {
	cfg, err := config.LoadInstrumentConfig(path)
	switch {
	case err == nil:
		return config.NewStore(cfg), true, nil
	case hw.Sim && errors.Is(err, fs.ErrNotExist):
		monitoring.Logf("[pyrecs] %s not found, using the built-in simulated instrument", path)
		return config.NewStore(defaultSimConfig()), false, nil
	default:
		return nil, false, err
	}
}

// newSim builds a simulator whose motors start at the stored hard
// positions. The detector peak sits half a unit above the highest motor.
func newSim(store *config.Store, speed float64) *sim.Instrument {
	nums := store.MotorNumbers()
	specs := make([]sim.MotorSpec, 0, len(nums))
	for _, n := range nums {
		hard, _ := store.HardPosition(n)
		specs = append(specs, sim.MotorSpec{Number: n, Position: hard})
	}
	s := sim.New(timeutil.RealClock{}, specs...)
	s.Speed = speed
	if len(nums) > 0 {
		m := slices.Max(nums)
		hard, _ := store.HardPosition(m)
		s.Peak = sim.Peak{Motor: m, Center: hard + 0.5, Sigma: 0.4, Height: 2000, Background: 20}
	}
	return s
}

// openHardware connects to the simulator or the serial motion controller.
// The serial monitor runs until ctx is done.
func openHardware(ctx context.Context, hw HardwareFlags, store *config.Store) (*hardware, error) {
	if hw.Sim {
		s := newSim(store, hw.SimSpeed)
		return &hardware{backend: s, scaler: s, close: func() error { return nil }}, nil
	}
	if hw.Serial == "" {
		return nil, errors.New("no motion controller: pass --serial or --sim")
	}
	mux, err := serialmux.Open(hw.Serial, serialmux.PortOptions{BaudRate: hw.Baud, Parity: hw.Parity})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[pyrecs] serial monitor stopped: %v", err)
		}
	}()
	client := linebackend.New(mux)
	return &hardware{backend: client, scaler: client, admin: mux, close: mux.Close}, nil
}

// session is an instrument on opened hardware.
type session struct {
	in     *controller.Instrument
	hw     *hardware
	store  *config.Store
	loaded bool
}

func openSession(ctx context.Context, root *CLI, hw HardwareFlags, rec monitoring.Recorder) (*session, error) {
	store, loaded, err := loadStore(root.Config, hw)
	if err != nil {
		return nil, err
	}
	h, err := openHardware(ctx, hw, store)
	if err != nil {
		return nil, err
	}
	in, err := controller.New(controller.Options{
		Backend:  h.backend,
		Scaler:   h.scaler,
		Store:    store,
		Recorder: rec,
	})
	if err != nil {
		_ = h.close()
		return nil, err
	}
	return &session{in: in, hw: h, store: store, loaded: loaded}, nil
}

// Close saves positions and offsets back to path when the configuration
// was read from disk, then releases the hardware. An empty path skips the
// save.
func (s *session) Close(path string) error {
	var errs []error
	if s.loaded && path != "" {
		if err := s.in.Save(path); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", path, err))
		}
	}
	if err := s.hw.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
