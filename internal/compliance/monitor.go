package compliance

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubekattle/kred/pkg/api"
)

// Sink consumes each finished report: render it, persist it, stream it.
type Sink func(*api.Report)

// Monitor rescans on a fixed cadence. Scans are pure reads, so the monitor
// needs no coordination with a rotation loop running in the same process or
// elsewhere.
type Monitor struct {
	collector *Collector
	logger    logr.Logger
	interval  time.Duration
	opts      Options
	sinks     []Sink
}

func NewMonitor(collector *Collector, logger logr.Logger, interval time.Duration, opts Options, sinks ...Sink) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		collector: collector,
		logger:    logger,
		interval:  interval,
		opts:      opts,
		sinks:     sinks,
	}
}

// Run scans immediately, then on every tick until the context ends. A failed
// scan is logged and the loop keeps going; transient API trouble should not
// kill a long-running watch.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	report, err := m.collector.Collect(ctx, m.opts)
	if err != nil {
		m.logger.Error(err, "compliance scan failed", "namespace", m.opts.Namespace)
		return
	}
	m.logger.V(1).Info("compliance scan finished",
		"namespace", report.Namespace,
		"overall", string(report.Overall),
		"secrets", report.Summary.SecretsTotal,
		"critical", report.Summary.CriticalFindings)
	for _, sink := range m.sinks {
		sink(report)
	}
}
