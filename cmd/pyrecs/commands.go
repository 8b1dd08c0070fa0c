package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ncnr/pyrecs/internal/archive"
	"github.com/ncnr/pyrecs/internal/peak"
	"github.com/ncnr/pyrecs/internal/publish"
	"github.com/ncnr/pyrecs/internal/scan"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// PublishFlags choose where one-shot scans are recorded.
type PublishFlags struct {
	DB      string `help:"Scan archive database" env:"PYRECS_DB" type:"path"`
	PlotDir string `help:"Write a PNG per scan into this directory" type:"path"`
}

// publishers opens the requested publishers. The returned func closes them.
func (f PublishFlags) publishers() ([]scan.Publisher, func(), error) {
	pubs := []scan.Publisher{publish.LogPublisher{}}
	cleanup := func() {}
	if f.DB != "" {
		db, err := archive.Open(f.DB)
		if err != nil {
			return nil, nil, err
		}
		pubs = append(pubs, db)
		cleanup = func() { _ = db.Close() }
	}
	if f.PlotDir != "" {
		pubs = append(pubs, publish.NewPlotPublisher(f.PlotDir))
	}
	return pubs, cleanup, nil
}

// StateCmd prints the instrument state.
type StateCmd struct {
	Hardware HardwareFlags `embed:""`
	Poll     bool          `help:"Read live values from hardware" default:"true" negatable:""`
}

func (c *StateCmd) Run(root *CLI) error {
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, root, c.Hardware, nil)
	if err != nil {
		return err
	}
	defer s.Close("")

	st, err := s.in.GetState(ctx, c.Poll)
	if err != nil {
		return err
	}
	return printJSON(st)
}

// DriveCmd drives motors to soft positions together.
type DriveCmd struct {
	Hardware HardwareFlags `embed:""`
	Targets  []string      `arg:"" help:"Targets as motor=position, e.g. a3=10 or 3=10"`
}

// parseTargets parses "a3=10" and "3=10" pairs.
func parseTargets(args []string) ([]int, []float64, error) {
	motors := make([]int, 0, len(args))
	positions := make([]float64, 0, len(args))
	for _, a := range args {
		name, val, ok := strings.Cut(a, "=")
		if !ok {
			return nil, nil, fmt.Errorf("target %q: want motor=position", a)
		}
		m, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(name), "a"))
		if err != nil || m < 1 {
			return nil, nil, fmt.Errorf("target %q: bad motor %q", a, name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("target %q: bad position: %w", a, err)
		}
		motors = append(motors, m)
		positions = append(positions, v)
	}
	return motors, positions, nil
}

func (c *DriveCmd) Run(root *CLI) error {
	motors, positions, err := parseTargets(c.Targets)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, root, c.Hardware, nil)
	if err != nil {
		return err
	}
	driveErr := s.in.DriveMulti(ctx, motors, positions)
	closeErr := s.Close(root.Config)
	if driveErr != nil {
		return driveErr
	}
	if closeErr != nil {
		return closeErr
	}
	st, err := s.in.GetState(ctx, false)
	if err != nil {
		return err
	}
	return printJSON(st)
}

// ScanCmd runs a scan described by a JSON definition file.
type ScanCmd struct {
	Hardware HardwareFlags `embed:""`
	Publish  PublishFlags  `embed:""`
	File     string        `arg:"" help:"Scan definition (JSON)" type:"existingfile"`
}

func loadDefinition(path string) (*scan.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def scan.Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scan %s: %w", path, err)
	}
	return &def, nil
}

func (c *ScanCmd) Run(root *CLI) error {
	def, err := loadDefinition(c.File)
	if err != nil {
		return err
	}
	pubs, cleanup, err := c.Publish.publishers()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, root, c.Hardware, nil)
	if err != nil {
		return err
	}
	sum, scanErr := s.in.RunScan(ctx, def, pubs...)
	if err := s.Close(root.Config); err != nil && scanErr == nil {
		scanErr = err
	}
	if sum != nil {
		if err := printJSON(sum); err != nil {
			return err
		}
	}
	return scanErr
}

// FindPeakCmd scans a motor around its current position and fits the peak.
type FindPeakCmd struct {
	Hardware HardwareFlags `embed:""`
	Publish  PublishFlags  `embed:""`

	Motor     int     `arg:"" help:"Motor number"`
	Range     float64 `arg:"" help:"Full scan width"`
	Step      float64 `arg:"" help:"Step between points"`
	Duration  float64 `help:"Count seconds per point; zero keeps the scaler settings"`
	AutoDrive bool    `help:"Drive to the fitted center"`
	Model     string  `help:"Fit model (gaussian, lorentzian, line, quadratic)"`
	Tied      int     `help:"Motor scanned in ratio with the primary"`
	Ratio     float64 `help:"Ratio for the tied motor" default:"2"`
	Comment   string  `help:"Scan comment"`
}

func (c *FindPeakCmd) Run(root *CLI) error {
	if c.Range <= 0 || c.Step <= 0 {
		return errors.New("range and step must be positive")
	}
	pubs, cleanup, err := c.Publish.publishers()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, root, c.Hardware, nil)
	if err != nil {
		return err
	}
	req := peak.Request{
		Motor:     c.Motor,
		Range:     c.Range,
		Step:      c.Step,
		Duration:  c.Duration,
		AutoDrive: c.AutoDrive,
		Model:     c.Model,
		Comment:   c.Comment,
	}
	var out *peak.Outcome
	if c.Tied > 0 {
		out, err = s.in.FindPeakTied(ctx, req, c.Tied, c.Ratio, pubs...)
	} else {
		out, err = s.in.FindPeak(ctx, req, pubs...)
	}
	if cerr := s.Close(root.Config); cerr != nil && err == nil {
		err = cerr
	}
	if out != nil {
		if perr := printJSON(out); perr != nil {
			return perr
		}
	}
	return err
}
