// Package api serves the instrument over HTTP: JSON endpoints for state,
// motion, scans and peak finding, plus the scan archive.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ncnr/pyrecs/internal/archive"
	"github.com/ncnr/pyrecs/internal/controller"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/peak"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	in      *controller.Instrument
	archive *archive.DB
	metrics http.Handler
}

// NewServer serves in. The archive and metrics handler are optional.
func NewServer(in *controller.Instrument, db *archive.DB, metrics http.Handler) *Server {
	return &Server{in: in, archive: db, metrics: metrics}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.getState)
	mux.HandleFunc("POST /api/state", s.updateState)
	mux.HandleFunc("POST /api/drive", s.drive)
	mux.HandleFunc("POST /api/motors/{motor}/soft", s.setPosition(false))
	mux.HandleFunc("POST /api/motors/{motor}/hard", s.setPosition(true))
	mux.HandleFunc("POST /api/scan", s.runScan)
	mux.HandleFunc("POST /api/rapidscan", s.rapidScan)
	mux.HandleFunc("POST /api/findpeak", s.findPeak)
	mux.HandleFunc("GET /api/peak", s.lastPeak)
	mux.HandleFunc("POST /api/peak/drive", s.driveToPeak)
	mux.HandleFunc("POST /api/abort", s.abort)
	mux.HandleFunc("POST /api/suspend", s.suspend)
	mux.HandleFunc("POST /api/break", s.breakScan)
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/version", s.getVersion)
	if s.archive != nil {
		mux.HandleFunc("GET /api/scans", s.listScans)
		mux.HandleFunc("GET /api/scans/{id}", s.showScan)
		mux.HandleFunc("GET /api/scans/{id}/chart", s.scanChart)
		mux.HandleFunc("GET /api/scans/{id}/plot.png", s.scanPlot)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("[api] failed to write response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps controller errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		limit    *motion.LimitError
		mismatch *motion.MismatchError
		tol      *motion.ToleranceError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, peak.ErrNoPeak), errors.Is(err, archive.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &limit), errors.As(err, &mismatch), errors.Is(err, fit.ErrNoConvergence):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &tol):
		status = http.StatusBadGateway
	}
	s.writeJSONError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func wantWait(r *http.Request) bool {
	w, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return w
}

// start runs fn as a background operation, or inline with ?wait=true, and
// writes the response.
func (s *Server) start(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (any, error)) {
	if wantWait(r) {
		out, err := fn(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
		return
	}
	err := s.in.Background(r.Context(), op, func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"operation": op, "status": "started"})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	poll, _ := strconv.ParseBool(r.URL.Query().Get("poll"))
	st, err := s.in.GetState(r.Context(), poll)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) updateState(w http.ResponseWriter, r *http.Request) {
	var partial state.State
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	st, err := s.in.UpdateState(r.Context(), partial)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// DriveRequest moves motors together.
type DriveRequest struct {
	Motors    []int     `json:"motors"`
	Positions []float64 `json:"positions"`
}

func (s *Server) drive(w http.ResponseWriter, r *http.Request) {
	var req DriveRequest
	if err := decode(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.in.DriveMulti(r.Context(), req.Motors, req.Positions); err != nil {
		s.writeError(w, err)
		return
	}
	st, _ := s.in.GetState(r.Context(), false)
	s.writeJSON(w, http.StatusOK, st)
}

// PositionRequest redefines a motor position.
type PositionRequest struct {
	Position float64 `json:"position"`
}

// setPosition redefines the soft or hard position of a motor.
func (s *Server) setPosition(hard bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		motor, err := strconv.Atoi(r.PathValue("motor"))
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid motor number")
			return
		}
		var req PositionRequest
		if err := decode(r, &req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if hard {
			err = s.in.SetHardPosition(r.Context(), motor, req.Position)
		} else {
			err = s.in.SetSoftPosition(r.Context(), motor, req.Position)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		st, _ := s.in.GetState(r.Context(), false)
		s.writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	var def scan.Definition
	if err := decode(r, &def); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := def.Validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.start(w, r, "scan", func(ctx context.Context) (any, error) {
		return s.in.RunScan(ctx, &def)
	})
}

func (s *Server) findPeak(w http.ResponseWriter, r *http.Request) {
	var req peak.Request
	if err := decode(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Step <= 0 || req.Range <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "range and step must be positive")
		return
	}
	s.start(w, r, "find_peak", func(ctx context.Context) (any, error) {
		return s.in.FindPeak(ctx, req)
	})
}

func (s *Server) lastPeak(w http.ResponseWriter, r *http.Request) {
	pk, ok := s.in.LastPeak()
	if !ok {
		s.writeError(w, peak.ErrNoPeak)
		return
	}
	s.writeJSON(w, http.StatusOK, pk)
}

func (s *Server) driveToPeak(w http.ResponseWriter, r *http.Request) {
	if err := s.in.DriveToLastPeak(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	st, _ := s.in.GetState(r.Context(), false)
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.in.Abort()})
}

func (s *Server) suspend(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"suspended": s.in.SuspendToggle()})
}

func (s *Server) breakScan(w http.ResponseWriter, r *http.Request) {
	s.in.BreakScan()
	s.writeJSON(w, http.StatusOK, map[string]bool{"breaking": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.in.Status())
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}
