package controller

import (
	"context"

	"github.com/ncnr/pyrecs/internal/control"
	"github.com/ncnr/pyrecs/internal/peak"
	"github.com/ncnr/pyrecs/internal/scan"
)

// Scan is a scan holding the protected-operation slot. Each Next performs
// one point on the caller's goroutine; the slot is released when the scan
// ends or Close is called.
type Scan struct {
	in     *Instrument
	seq    *scan.Sequence
	ctx    context.Context
	finish func()
	nested bool
	closed bool
}

// OneDimScan starts a lazy scan. The registered publishers receive it along
// with opts.Publishers. Nothing moves until the first Next.
func (in *Instrument) OneDimScan(ctx context.Context, def *scan.Definition, opts scan.Options) (*Scan, error) {
	nested := in.ctl.Protected(ctx)
	opCtx, finish, err := in.ctl.Begin(ctx, "scan")
	if err != nil {
		in.rec.IncOperation("scan", "busy")
		return nil, err
	}
	opts.Publishers = in.Publishers(opts.Publishers...)
	seq, err := in.engine.OneDimScan(def, opts)
	if err != nil {
		finish()
		return nil, err
	}
	return &Scan{in: in, seq: seq, ctx: opCtx, finish: finish, nested: nested}, nil
}

// Next performs the next point. It returns false once the scan is over.
func (s *Scan) Next() bool {
	if s.closed {
		return false
	}
	if s.seq.Next(s.ctx) {
		return true
	}
	s.Close()
	return false
}

// Close releases the operation slot. A scan closed early publishes no end.
func (s *Scan) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.finish()
	if s.nested {
		return
	}
	err := s.seq.Err()
	if s.seq.Aborted() {
		err = control.ErrAborted
	}
	_ = s.in.settle("scan", err)
}

func (s *Scan) Point() scan.Point            { return s.seq.Point() }
func (s *Scan) Err() error                   { return s.seq.Err() }
func (s *Scan) Aborted() bool                { return s.seq.Aborted() }
func (s *Scan) Broken() bool                 { return s.seq.Broken() }
func (s *Scan) Definition() *scan.Definition { return s.seq.Definition() }

// ScanSummary is the outcome of RunScan.
type ScanSummary struct {
	Points  []scan.Point `json:"points"`
	Aborted bool         `json:"aborted"`
	Broken  bool         `json:"broken"`
}

// RunScan runs a scan to completion on the worker goroutine.
func (in *Instrument) RunScan(ctx context.Context, def *scan.Definition, extra ...scan.Publisher) (*ScanSummary, error) {
	sum := &ScanSummary{}
	err := in.protected(ctx, "scan", func(ctx context.Context) error {
		seq, err := in.engine.OneDimScan(def, scan.Options{Publishers: in.Publishers(extra...)})
		if err != nil {
			return err
		}
		sum.Points, err = seq.Drain(ctx)
		sum.Aborted = seq.Aborted()
		sum.Broken = seq.Broken()
		if err == nil && sum.Aborted {
			return control.ErrAborted
		}
		return err
	})
	return sum, err
}

// RapidScan runs a count-while-moving scan.
func (in *Instrument) RapidScan(ctx context.Context, def scan.RapidDefinition, extra ...scan.Publisher) ([]scan.RapidPoint, error) {
	var points []scan.RapidPoint
	err := in.protected(ctx, "rapid_scan", func(ctx context.Context) error {
		var err error
		points, err = in.engine.RapidScan(ctx, def, in.Publishers(extra...))
		in.syncMotors([]int{def.Motor})
		return err
	})
	return points, err
}

// FindPeak scans around the current position of req.Motor and fits the
// counts. See peak.Workflow.FindPeak.
func (in *Instrument) FindPeak(ctx context.Context, req peak.Request, extra ...scan.Publisher) (*peak.Outcome, error) {
	var out *peak.Outcome
	err := in.protected(ctx, "find_peak", func(ctx context.Context) error {
		var err error
		out, err = in.peaks.FindPeak(ctx, req, in.Publishers(extra...))
		in.syncAfterPeak(req)
		if err == nil && out != nil && out.Aborted {
			return control.ErrAborted
		}
		return err
	})
	return out, err
}

// FindPeakTied is FindPeak with motor tied scanned at ratio times req.Motor.
func (in *Instrument) FindPeakTied(ctx context.Context, req peak.Request, tied int, ratio float64, extra ...scan.Publisher) (*peak.Outcome, error) {
	req.Tied = append(append([]peak.Tie(nil), req.Tied...), peak.Ratio(req.Motor, tied, ratio))
	return in.FindPeak(ctx, req, extra...)
}

func (in *Instrument) syncAfterPeak(req peak.Request) {
	motors := []int{req.Motor}
	for _, t := range req.Tied {
		motors = append(motors, t.Motor)
	}
	in.syncMotors(motors)
}

// DriveToLastPeak drives to the most recent fitted peak.
func (in *Instrument) DriveToLastPeak(ctx context.Context) error {
	return in.protected(ctx, "drive_to_peak", func(ctx context.Context) error {
		err := in.peaks.DriveToLastPeak(ctx)
		if pk, ok := in.peaks.LastPeak(); ok {
			motors := make([]int, 0, len(pk.Targets))
			for m := range pk.Targets {
				motors = append(motors, m)
			}
			in.syncMotors(motors)
		}
		return err
	})
}

// LastPeak returns the most recent fitted peak.
func (in *Instrument) LastPeak() (*peak.Peak, bool) {
	return in.peaks.LastPeak()
}
