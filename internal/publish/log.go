package publish

import (
	"context"
	"log/slog"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
)

// LogPublisher writes one structured record per scan event. A nil Logger
// uses the process logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l LogPublisher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return monitoring.Logger()
}

func (l LogPublisher) PublishStart(_ context.Context, _ state.State, def *scan.Definition) error {
	l.logger().Info("scan start",
		"type", def.ScanType(),
		"points", def.Iterations,
		"vary", def.VaryNames(),
		"filename", def.Filename,
		"comment", def.Comment)
	return nil
}

func (l LogPublisher) PublishDatapoint(_ context.Context, st state.State, def *scan.Definition) error {
	attrs := make([]any, 0, 2*len(def.Vary)+6)
	for _, name := range def.VaryNames() {
		if v, ok := st.Float(name); ok {
			attrs = append(attrs, name, v)
		}
	}
	if res, ok := counting.ResultOf(st); ok && res != nil {
		attrs = append(attrs, "counts", res.Counts, "monitor", res.Monitor, "time", res.CountTime)
	}
	l.logger().Info("scan point", attrs...)
	return nil
}

func (l LogPublisher) PublishEnd(_ context.Context, st state.State, def *scan.Definition) error {
	attrs := []any{"type", def.ScanType()}
	switch f := st[state.KeyFit].(type) {
	case *fit.Result:
		attrs = append(attrs, "fit", f.String())
	case string:
		attrs = append(attrs, "fit", f)
	}
	l.logger().Info("scan end", attrs...)
	return nil
}

var _ scan.Publisher = LogPublisher{}
