package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ncnr/pyrecs/internal/api"
	"github.com/ncnr/pyrecs/internal/archive"
	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/publish"
)

// ServeCmd runs the HTTP control server.
type ServeCmd struct {
	Hardware HardwareFlags `embed:""`

	Listen     string `help:"Listen address" default:":8080" env:"PYRECS_LISTEN"`
	DB         string `help:"Scan archive database" default:"pyrecs.db" env:"PYRECS_DB" type:"path"`
	PlotDir    string `help:"Write a PNG per scan into this directory" type:"path"`
	NATS       string `help:"NATS server URL for scan events" env:"PYRECS_NATS_URL" placeholder:"nats://localhost:4222"`
	NATSPrefix string `help:"Subject prefix for scan events" default:"pyrecs.scan"`
	Watch      bool   `help:"Reload calibration when the configuration file changes" default:"true" negatable:""`
}

func (c *ServeCmd) Run(root *CLI) error {
	ctx, stop := signalContext()
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := monitoring.NewPrometheusRecorder(reg)

	s, err := openSession(ctx, root, c.Hardware, rec)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(root.Config); err != nil {
			monitoring.Logf("[pyrecs] shutdown: %v", err)
		}
	}()

	db, err := archive.Open(c.DB)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer db.Close()

	s.in.AddPublisher("archive", db)
	s.in.AddPublisher("log", publish.LogPublisher{})
	if c.PlotDir != "" {
		s.in.AddPublisher("plot", publish.NewPlotPublisher(c.PlotDir))
	}
	if c.NATS != "" {
		nc, err := publish.DialNATS(c.NATS)
		if err != nil {
			return err
		}
		defer nc.Drain()
		s.in.AddPublisher("nats", publish.NewNATSPublisher(nc, c.NATSPrefix))
	}

	var wg sync.WaitGroup

	if c.Watch && s.loaded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, root.Config, func(cfg *config.InstrumentConfig) {
				n := s.store.ApplyCalibration(cfg)
				monitoring.Logf("[pyrecs] applied calibration for %d motors", n)
			})
			if err != nil {
				monitoring.Logf("[pyrecs] config watch stopped: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		return err
	}
	if s.hw.admin != nil {
		s.hw.admin.AttachAdminRoutes(mux)
	}
	mux.Handle("/", api.NewServer(s.in, db, monitoring.MetricsHandler(reg)).ServeMux())

	server := &http.Server{
		Addr:              c.Listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitoring.Logger().Info("listening", "addr", c.Listen, "sim", c.Hardware.Sim, "config", root.Config)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			stop()
		}
	}()

	<-ctx.Done()
	monitoring.Logf("[pyrecs] shutting down")
	if s.in.Abort() {
		monitoring.Logf("[pyrecs] aborted the running operation")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "HTTP server shutdown error: %v\n", err)
	}
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}
