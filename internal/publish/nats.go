package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON body of a scan lifecycle message.
type Event struct {
	Event    string             `json:"event"`
	Time     time.Time          `json:"time"`
	ScanType string             `json:"scan_type"`
	Filename string             `json:"filename,omitempty"`
	Comment  string             `json:"comment,omitempty"`
	Vary     []string           `json:"vary"`
	Values   map[string]float64 `json:"values"`
	Result   *counting.Result   `json:"result,omitempty"`
	Fit      any                `json:"fit,omitempty"`
}

// NATSPublisher sends every scan event to <Prefix>.start, <Prefix>.point
// and <Prefix>.end.
type NATSPublisher struct {
	conn   Conn
	Prefix string
	Clock  timeutil.Clock
}

// NewNATSPublisher publishes on conn under prefix (default "pyrecs.scan").
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "pyrecs.scan"
	}
	return &NATSPublisher{conn: conn, Prefix: prefix, Clock: timeutil.RealClock{}}
}

// DialNATS connects to url, reconnecting forever.
func DialNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("pyrecs"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				monitoring.Logf("[publish] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			monitoring.Logf("[publish] nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (p *NATSPublisher) PublishStart(_ context.Context, st state.State, def *scan.Definition) error {
	return p.send("start", st, def)
}

func (p *NATSPublisher) PublishDatapoint(_ context.Context, st state.State, def *scan.Definition) error {
	return p.send("point", st, def)
}

func (p *NATSPublisher) PublishEnd(_ context.Context, st state.State, def *scan.Definition) error {
	return p.send("end", st, def)
}

func (p *NATSPublisher) send(kind string, st state.State, def *scan.Definition) error {
	ev := Event{
		Event:    kind,
		Time:     p.Clock.Now(),
		ScanType: def.ScanType(),
		Filename: def.Filename,
		Comment:  def.Comment,
		Vary:     def.VaryNames(),
		Values:   finite(st.Numbers()),
	}
	if res, ok := counting.ResultOf(st); ok {
		ev.Result = res
	}
	switch f := st[state.KeyFit].(type) {
	case *fit.Result:
		ev.Fit = f
	case string:
		ev.Fit = f
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}
	subject := p.Prefix + "." + kind
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// finite drops values JSON cannot carry.
func finite(m map[string]float64) map[string]float64 {
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(m, k)
		}
	}
	return m
}

var _ scan.Publisher = (*NATSPublisher)(nil)
