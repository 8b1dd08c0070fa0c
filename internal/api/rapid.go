package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/ncnr/pyrecs/internal/scan"
)

// duration is seconds as a JSON number, or a duration string such as "250ms".
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		if math.Abs(v) > float64(math.MaxInt64)/float64(time.Second) {
			return fmt.Errorf("duration %g s out of range", v)
		}
		*d = duration(v * float64(time.Second))
	case string:
		p, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = duration(p)
	default:
		return fmt.Errorf("duration must be seconds or a string like \"500ms\", got %s", b)
	}
	return nil
}

// rapidRequest is the body of POST /api/rapidscan.
type rapidRequest struct {
	Motor      int      `json:"motor"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Interval   duration `json:"interval,omitempty"`
	MaxCount   duration `json:"max_count,omitempty"`
	Filename   string   `json:"filename,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	MaxSamples int      `json:"max_samples,omitempty"`
}

func (r rapidRequest) definition() scan.RapidDefinition {
	return scan.RapidDefinition{
		Motor:      r.Motor,
		Start:      r.Start,
		End:        r.End,
		Interval:   time.Duration(r.Interval),
		MaxCount:   time.Duration(r.MaxCount),
		Filename:   r.Filename,
		Comment:    r.Comment,
		MaxSamples: r.MaxSamples,
	}
}

func (s *Server) rapidScan(w http.ResponseWriter, r *http.Request) {
	var req rapidRequest
	if err := decode(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	def := req.definition()
	if err := def.Validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.start(w, r, "rapid_scan", func(ctx context.Context) (any, error) {
		return s.in.RapidScan(ctx, def)
	})
}
