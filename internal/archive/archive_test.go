package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/peak"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func setupTestDB(t *testing.T) (*DB, *timeutil.MockClock) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clock := timeutil.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	db.SetClock(clock)
	return db, clock
}

func pointState(x, counts float64) state.State {
	return state.State{
		"a3":            x,
		"wavelength":    4.75,
		state.KeyResult: &counting.Result{CountTime: 1, Monitor: 1000, Counts: counts},
	}
}

func TestMigrations(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)
	require.Error(t, db.CheckMigrations(), "fresh database is behind")

	require.NoError(t, db.MigrateUp())
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, v)
	require.NoError(t, db.CheckMigrations())

	require.NoError(t, db.MigrateUp(), "no change is not an error")

	require.NoError(t, db.MigrateDown())
	v, _, _ = db.MigrateVersion()
	assert.Equal(t, uint(1), v)
	_, err = db.Exec(`SELECT fit FROM scans`)
	assert.Error(t, err, "fit column belongs to migration 2")

	require.NoError(t, db.MigrateTo(2))
	_, err = db.Exec(`SELECT fit, fit_error FROM scans`)
	assert.NoError(t, err)

	require.NoError(t, db.MigrateForce(2))
}

func TestPublisher_Lifecycle(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()
	def := &scan.Definition{
		Iterations: 3,
		Vary:       []scan.Var{{Name: "a3", Expr: "1 + i"}},
		Filename:   "run1.bt7",
		Comment:    "alignment",
		Namestr:    "NG5",
	}

	require.NoError(t, db.PublishStart(ctx, state.State{}, def))
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, db.PublishDatapoint(ctx, pointState(float64(1+i), float64(10*(i+1))), def))
	}

	recs, err := db.Scans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Nil(t, rec.Ended)

	clock.Advance(time.Second)
	require.NoError(t, db.PublishEnd(ctx, state.State{state.KeyScanType: scan.TypeScan}, def))

	got, err := db.ScanByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, scan.TypeScan, got.Type)
	assert.Equal(t, "run1.bt7", got.Filename)
	assert.Equal(t, "alignment", got.Comment)
	assert.Equal(t, "NG5", got.Namestr)
	assert.Equal(t, 3, got.Iterations)
	assert.Equal(t, []string{"a3"}, got.Vary)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got.Started)
	require.NotNil(t, got.Ended)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 4, 0, time.UTC), *got.Ended)
	assert.Nil(t, got.Fit)

	points, err := db.Points(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, points, 3)
	for i, p := range points {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, map[string]float64{"a3": float64(1 + i)}, p.Values)
		assert.Equal(t, float64(10*(i+1)), p.Counts)
		assert.Equal(t, 1000.0, p.Monitor)
		assert.Equal(t, 1.0, p.CountTime)
	}
}

func TestPublisher_Fits(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	good := &scan.Definition{Iterations: 1, Vary: []scan.Var{{Name: "a3", Expr: "i"}}, Type: scan.TypeFindPeak}
	require.NoError(t, db.PublishStart(ctx, nil, good))
	res := &fit.Result{Model: "gaussian", Params: []string{"x0"}, Values: map[string]float64{"x0": 10.2}, Points: 9}
	require.NoError(t, db.PublishEnd(ctx, state.State{state.KeyFit: res}, good))

	bad := &scan.Definition{Iterations: 1, Vary: []scan.Var{{Name: "a3", Expr: "i"}}, Type: scan.TypeFindPeak}
	require.NoError(t, db.PublishStart(ctx, nil, bad))
	require.NoError(t, db.PublishEnd(ctx, state.State{
		state.KeyFit:     peak.NoConvergence,
		peak.KeyFitError: "amplitude must be positive",
	}, bad))

	recs, err := db.Scans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byFitError := map[string]ScanRecord{}
	for _, r := range recs {
		byFitError[r.FitError] = r
	}

	var stored fit.Result
	require.NoError(t, json.Unmarshal(byFitError[""].Fit, &stored))
	assert.Equal(t, "gaussian", stored.Model)
	assert.Equal(t, 10.2, stored.Values["x0"])

	failed := byFitError["amplitude must be positive"]
	var tag string
	require.NoError(t, json.Unmarshal(failed.Fit, &tag))
	assert.Equal(t, peak.NoConvergence, tag)
}

func TestPublisher_Unstarted(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	def := &scan.Definition{Iterations: 1}
	assert.Error(t, db.PublishDatapoint(ctx, pointState(1, 1), def))
	assert.Error(t, db.PublishEnd(ctx, nil, def))
}

func TestPublisher_AbandonedScanMarkedAborted(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	first := &scan.Definition{Iterations: 5, Vary: []scan.Var{{Name: "a3", Expr: "i"}}, Comment: "first"}
	require.NoError(t, db.PublishStart(ctx, nil, first))
	require.NoError(t, db.PublishDatapoint(ctx, pointState(0, 1), first))
	clock.Advance(time.Minute)

	second := &scan.Definition{Iterations: 1, Vary: []scan.Var{{Name: "a3", Expr: "i"}}, Comment: "second"}
	require.NoError(t, db.PublishStart(ctx, nil, second))
	assert.Error(t, db.PublishDatapoint(ctx, pointState(1, 1), first), "first run is closed")
	_, open := db.runs.m[first]
	assert.False(t, open)

	recs, err := db.Scans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "second", recs[0].Comment)
	assert.Equal(t, StatusRunning, recs[0].Status)
	assert.Equal(t, StatusAborted, recs[1].Status)
	require.NotNil(t, recs[1].Ended)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC), *recs[1].Ended)
}

func TestClose_MarksOpenScansAborted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	def := &scan.Definition{Iterations: 2, Vary: []scan.Var{{Name: "a3", Expr: "i"}}}
	require.NoError(t, db.PublishStart(ctx, nil, def))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	recs, err := db.Scans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusAborted, recs[0].Status)
}

func TestScans_OrderLimitAndDelete(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	var defs []*scan.Definition
	for i := 0; i < 3; i++ {
		def := &scan.Definition{Iterations: 1, Vary: []scan.Var{{Name: "a1", Expr: "i"}}, Comment: string(rune('a' + i))}
		defs = append(defs, def)
		require.NoError(t, db.PublishStart(ctx, nil, def))
		require.NoError(t, db.PublishDatapoint(ctx, state.State{"a1": 0.0}, def))
		clock.Advance(time.Minute)
	}

	recs, err := db.Scans(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].Comment)
	assert.Equal(t, "b", recs[1].Comment)

	require.NoError(t, db.DeleteScan(ctx, recs[0].ID))
	points, err := db.Points(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, points, "points removed with their scan")

	assert.ErrorIs(t, db.DeleteScan(ctx, recs[0].ID), ErrNotFound)
	_, err = db.ScanByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublisher_ThroughEngine(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	model := state.NewModel(state.State{"a1": 0.0})
	meas := measureFunc(func(_ context.Context, s state.State) (*counting.Result, error) {
		x, _ := s.Float("a1")
		return &counting.Result{CountTime: 1, Counts: 100 * x}, nil
	})
	engine := scan.NewEngine(model, meas, nil)
	def := &scan.Definition{Iterations: 4, Vary: []scan.Var{{Name: "a1", Expr: "0.5 * i"}}}
	seq, err := engine.OneDimScan(def, scan.Options{Publishers: scan.Publishers{db}})
	require.NoError(t, err)
	_, err = seq.Drain(ctx)
	require.NoError(t, err)

	recs, err := db.Scans(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusComplete, recs[0].Status)
	points, err := db.Points(ctx, recs[0].ID)
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, 150.0, points[3].Counts)
	assert.Equal(t, 1.5, points[3].Values["a1"])
}

type measureFunc func(context.Context, state.State) (*counting.Result, error)

func (f measureFunc) Measure(ctx context.Context, s state.State) (*counting.Result, error) {
	return f(ctx, s)
}

func TestAdminRoutes(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	def := &scan.Definition{Iterations: 1, Vary: []scan.Var{{Name: "a1", Expr: "i"}}}
	require.NoError(t, db.PublishStart(ctx, nil, def))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
