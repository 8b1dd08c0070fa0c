package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot/vg"

	"github.com/ncnr/pyrecs/internal/archive"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/publish"
)

// ScanDetail is an archived scan with its points.
type ScanDetail struct {
	archive.ScanRecord
	Points []archive.PointRecord `json:"points"`
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = v
	}
	recs, err := s.archive.Scans(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve scans: %v", err))
		return
	}
	if recs == nil {
		recs = []archive.ScanRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) loadScan(r *http.Request) (*ScanDetail, error) {
	id := r.PathValue("id")
	rec, err := s.archive.ScanByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	points, err := s.archive.Points(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return &ScanDetail{ScanRecord: *rec, Points: points}, nil
}

func (s *Server) showScan(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadScan(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// series extracts counts against the first varied quantity, with the
// stored fit when it decodes.
func (d *ScanDetail) series() *publish.Series {
	ser := &publish.Series{Title: d.Type + " " + d.ID, Xs: []float64{}, Ys: []float64{}}
	if d.Comment != "" {
		ser.Title = d.Comment
	}
	if len(d.Vary) > 0 {
		ser.XLabel = d.Vary[0]
	}
	for _, p := range d.Points {
		x, ok := p.Values[ser.XLabel]
		if !ok {
			continue
		}
		ser.Xs = append(ser.Xs, x)
		ser.Ys = append(ser.Ys, p.Counts)
	}
	if len(d.Fit) > 0 {
		var res fit.Result
		if err := json.Unmarshal(d.Fit, &res); err == nil && res.Model != "" {
			ser.Fit = &res
		}
	}
	return ser
}

// scanChart renders an archived scan as an interactive HTML chart.
func (s *Server) scanChart(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadScan(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ser := d.series()

	data := make([]opts.ScatterData, len(ser.Xs))
	for i := range ser.Xs {
		data[i] = opts.ScatterData{Value: []interface{}{ser.Xs[i], ser.Ys[i]}}
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan " + d.ID, Width: "900px", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{Title: ser.Title, Subtitle: fmt.Sprintf("%s points=%d", d.Type, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: ser.XLabel, Type: "value", Scale: opts.Bool(true), NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Counts", Type: "value", Scale: opts.Bool(true)}),
	)
	scatter.AddSeries("counts", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	if ser.Fit != nil && len(ser.Xs) > 1 {
		lo, hi := ser.Xs[0], ser.Xs[0]
		for _, x := range ser.Xs {
			lo, hi = min(lo, x), max(hi, x)
		}
		const samples = 100
		curve := make([]opts.ScatterData, 0, samples+1)
		for i := 0; i <= samples; i++ {
			x := lo + (hi-lo)*float64(i)/samples
			if y, ok := ser.Fit.Eval(x); ok {
				curve = append(curve, opts.ScatterData{Value: []interface{}{x, y}})
			}
		}
		scatter.AddSeries(ser.Fit.Model, curve, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// scanPlot renders an archived scan as a PNG.
func (s *Server) scanPlot(w http.ResponseWriter, r *http.Request) {
	d, err := s.loadScan(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ser := d.series()
	if len(ser.Xs) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "scan has no points")
		return
	}
	var buf bytes.Buffer
	if err := ser.WritePNG(&buf, 8*vg.Inch, 5*vg.Inch); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
