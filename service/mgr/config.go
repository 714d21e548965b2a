package mgr

import (
	"io"
	"log/slog"
	"os"

	"github.com/safing/faultmgr/base/metrics"
)

// Options configure a Config.
type Options struct {
	// DiagnosticOutput receives the output of the built-in default action.
	// Defaults to os.Stderr. Pass a SyncWriter to share it with handlers.
	DiagnosticOutput io.Writer

	// PrintStack makes the default action print the stack trace of panics.
	PrintStack bool

	// Logger is used by managers and units. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives dispatch counters. Optional.
	Metrics *metrics.Set
}

// Config is the process-wide fault configuration shared by all managers
// created with it. It holds the global fault handler slot.
type Config struct {
	global         handlerSlot
	defaultHandler *defaultHandler

	logger  *slog.Logger
	metrics *metrics.Set
	faults  *EventMgr[FaultEvent]
}

// NewConfig returns a new fault configuration.
func NewConfig(opts *Options) *Config {
	// Ensure that there are options.
	if opts == nil {
		opts = &Options{}
	}

	out := opts.DiagnosticOutput
	if out == nil {
		out = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Config{
		defaultHandler: &defaultHandler{
			out:        NewSyncWriter(out),
			printStack: opts.PrintStack,
		},
		logger:  logger,
		metrics: opts.Metrics,
		faults:  NewEventMgr[FaultEvent]("fault", logger),
	}
}

// SetGlobalFaultHandler installs the global fault handler and returns the
// previously installed one. A nil handler removes the global handler.
// Safe for concurrent use with terminating units.
func (cfg *Config) SetGlobalFaultHandler(h FaultHandler) (previous FaultHandler) {
	return cfg.global.Swap(h)
}

// GlobalFaultHandler returns the global fault handler, or nil if none is set.
func (cfg *Config) GlobalFaultHandler() FaultHandler {
	return cfg.global.Load()
}

// Faults returns the event manager that receives an event after every dispatch.
func (cfg *Config) Faults() *EventMgr[FaultEvent] {
	return cfg.faults
}

// Metrics returns the metric set, if one was configured.
func (cfg *Config) Metrics() *metrics.Set {
	return cfg.metrics
}

func (cfg *Config) countMetric(id string, labels map[string]string) {
	if cfg.metrics == nil {
		return
	}
	c, err := cfg.metrics.GetCounter(id, labels)
	if err != nil {
		cfg.logger.Warn("failed to get metric", "metric", id, "err", err)
		return
	}
	c.Inc()
}
