package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/peak"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
)

// Scan status values.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusAborted  = "aborted"
)

// ScanRecord is one archived scan.
type ScanRecord struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Filename   string          `json:"filename,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	Namestr    string          `json:"namestr,omitempty"`
	Iterations int             `json:"iterations"`
	Vary       []string        `json:"vary"`
	Started    time.Time       `json:"started"`
	Ended      *time.Time      `json:"ended,omitempty"`
	Status     string          `json:"status"`
	Fit        json.RawMessage `json:"fit,omitempty"`
	FitError   string          `json:"fit_error,omitempty"`
}

// PointRecord is one archived scan point.
type PointRecord struct {
	Index     int                `json:"index"`
	Values    map[string]float64 `json:"values"`
	Counts    float64            `json:"counts"`
	Monitor   float64            `json:"monitor"`
	CountTime float64            `json:"count_time"`
	Recorded  time.Time          `json:"recorded"`
}

type run struct {
	id   string
	next int
}

// runs maps in-flight scan definitions to their archive IDs.
type runs struct {
	mu sync.Mutex
	m  map[*scan.Definition]*run
}

func newRuns() *runs {
	return &runs{m: make(map[*scan.Definition]*run)}
}

// start opens a run for def. Scans run one at a time, so any run still open
// was abandoned; their IDs are returned and forgotten.
func (r *runs) start(def *scan.Definition) (*run, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := r.drainLocked()
	rn := &run{id: uuid.NewString()}
	r.m[def] = rn
	return rn, stale
}

// drain forgets every open run and returns their IDs.
func (r *runs) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drainLocked()
}

func (r *runs) drainLocked() []string {
	var ids []string
	for def, rn := range r.m {
		ids = append(ids, rn.id)
		delete(r.m, def)
	}
	return ids
}

// point returns the run of def and the index of its next point.
func (r *runs) point(def *scan.Definition) (string, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.m[def]
	if !ok {
		return "", 0, false
	}
	i := rn.next
	rn.next++
	return rn.id, i, true
}

func (r *runs) end(def *scan.Definition) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.m[def]
	if ok {
		delete(r.m, def)
		return rn.id, true
	}
	return "", false
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*1e9)).UTC()
}

// PublishStart records a new scan. Scans left open by an earlier abort are
// marked aborted first.
func (db *DB) PublishStart(ctx context.Context, _ state.State, def *scan.Definition) error {
	rn, stale := db.runs.start(def)
	if err := db.markAborted(ctx, stale); err != nil {
		return err
	}
	vary, err := json.Marshal(def.VaryNames())
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO scans (
			scan_id, scan_type, filename, comment, namestr, iterations, vary, started_unix, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rn.id, def.ScanType(), def.Filename, def.Comment, def.Namestr, def.Iterations, string(vary),
		unix(db.clock.Now()), StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("archive start of scan %s: %w", rn.id, err)
	}
	return nil
}

// PublishDatapoint records one point: the varied values and the result.
func (db *DB) PublishDatapoint(ctx context.Context, st state.State, def *scan.Definition) error {
	id, idx, ok := db.runs.point(def)
	if !ok {
		return errors.New("archive: datapoint for a scan that was never started")
	}
	values := make(map[string]float64, len(def.Vary))
	for _, name := range def.VaryNames() {
		if v, ok := st.Float(name); ok {
			values[name] = v
		}
	}
	blob, err := json.Marshal(values)
	if err != nil {
		return err
	}
	var counts, monitor, countTime sql.NullFloat64
	if res, ok := counting.ResultOf(st); ok && res != nil {
		counts = sql.NullFloat64{Float64: res.Counts, Valid: true}
		monitor = sql.NullFloat64{Float64: res.Monitor, Valid: true}
		countTime = sql.NullFloat64{Float64: res.CountTime, Valid: true}
	}
	_, err = db.ExecContext(ctx, `INSERT INTO scan_points (
			scan_id, point_index, values_json, counts, monitor, count_time, recorded_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, idx, string(blob), counts, monitor, countTime, unix(db.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("archive point %d of scan %s: %w", idx, id, err)
	}
	return nil
}

// PublishEnd marks the scan complete and stores its fit, if any.
func (db *DB) PublishEnd(ctx context.Context, st state.State, def *scan.Definition) error {
	id, ok := db.runs.end(def)
	if !ok {
		return errors.New("archive: end of a scan that was never started")
	}
	var fit sql.NullString
	if v, ok := st[state.KeyFit]; ok && v != nil {
		blob, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("archive fit of scan %s: %w", id, err)
		}
		fit = sql.NullString{String: string(blob), Valid: true}
	}
	fitErr, _ := st.String(peak.KeyFitError)
	_, err := db.ExecContext(ctx, `UPDATE scans SET ended_unix = ?, status = ?, fit = ?, fit_error = ?
		WHERE scan_id = ?`,
		unix(db.clock.Now()), StatusComplete, fit, fitErr, id,
	)
	if err != nil {
		return fmt.Errorf("archive end of scan %s: %w", id, err)
	}
	return nil
}

// markAborted closes scans that stopped without an end.
func (db *DB) markAborted(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := db.ExecContext(ctx, `UPDATE scans SET ended_unix = ?, status = ?
			WHERE scan_id = ? AND status = ?`,
			unix(db.clock.Now()), StatusAborted, id, StatusRunning,
		)
		if err != nil {
			return fmt.Errorf("archive abort of scan %s: %w", id, err)
		}
	}
	return nil
}

const scanColumns = `scan_id, scan_type, filename, comment, namestr, iterations, vary,
	started_unix, ended_unix, status, fit, fit_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ScanRecord, error) {
	var (
		rec     ScanRecord
		vary    string
		started float64
		ended   sql.NullFloat64
		fit     sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Type, &rec.Filename, &rec.Comment, &rec.Namestr,
		&rec.Iterations, &vary, &started, &ended, &rec.Status, &fit, &rec.FitError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vary), &rec.Vary); err != nil {
		return nil, fmt.Errorf("scan %s: bad vary column: %w", rec.ID, err)
	}
	rec.Started = fromUnix(started)
	if ended.Valid {
		t := fromUnix(ended.Float64)
		rec.Ended = &t
	}
	if fit.Valid {
		rec.Fit = json.RawMessage(fit.String)
	}
	return &rec, nil
}

// Scans returns the most recent scans, newest first. A limit of zero or
// less returns 100.
func (db *DB) Scans(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM scans ORDER BY started_unix DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ScanByID returns one scan, or ErrNotFound.
func (db *DB) ScanByID(ctx context.Context, id string) (*ScanRecord, error) {
	rec, err := scanRecord(db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE scan_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Points returns the points of a scan in order.
func (db *DB) Points(ctx context.Context, id string) ([]PointRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT point_index, values_json, counts, monitor, count_time, recorded_unix
		FROM scan_points WHERE scan_id = ? ORDER BY point_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PointRecord
	for rows.Next() {
		var (
			p                          PointRecord
			blob                       string
			counts, monitor, countTime sql.NullFloat64
			recorded                   float64
		)
		if err := rows.Scan(&p.Index, &blob, &counts, &monitor, &countTime, &recorded); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &p.Values); err != nil {
			return nil, fmt.Errorf("scan %s point %d: %w", id, p.Index, err)
		}
		p.Counts, p.Monitor, p.CountTime = counts.Float64, monitor.Float64, countTime.Float64
		p.Recorded = fromUnix(recorded)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteScan removes a scan and its points.
func (db *DB) DeleteScan(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM scans WHERE scan_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ scan.Publisher = (*DB)(nil)
