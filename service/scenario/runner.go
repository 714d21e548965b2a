package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/safing/faultmgr/base/metrics"
	"github.com/safing/faultmgr/service/mgr"
)

// Result describes how the fault of a scenario was handled.
type Result struct {
	Scenario string
	Unit     string
	Expected mgr.HandlerKind
	Handler  mgr.HandlerKind
	Fault    string
}

// OK reports whether the fault reached the expected handler.
func (r Result) OK() bool {
	return r.Expected == r.Handler
}

// Runner runs scenarios. Every scenario gets its own fault config, so global
// handlers of concurrently running scenarios do not affect each other.
type Runner struct {
	// Stdout receives the output of the installed handlers. Defaults to os.Stdout.
	Stdout io.Writer
	// Stderr receives the output of the built-in default action. Defaults to os.Stderr.
	Stderr io.Writer
	// PrintStack makes the default action print stack traces.
	PrintStack bool
	// Metrics receives dispatch counters of all scenarios. Optional.
	Metrics *metrics.Set
}

// Run runs all scenarios concurrently and waits for them to finish.
// The results are in the order of the given scenarios.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) ([]Result, error) {
	if err := Validate(scenarios); err != nil {
		return nil, err
	}

	// All scenarios write to the same outputs.
	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := r.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	out := mgr.NewSyncWriter(stdout)
	diag := mgr.NewSyncWriter(stderr)

	results := make([]Result, len(scenarios))
	group, ctx := errgroup.WithContext(ctx)
	for i, s := range scenarios {
		group.Go(func() error {
			result, err := r.runScenario(ctx, s, out, diag)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", s.Name, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) runScenario(ctx context.Context, s Scenario, stdout, stderr *mgr.SyncWriter) (Result, error) {
	cfg := mgr.NewConfig(&mgr.Options{
		DiagnosticOutput: stderr,
		PrintStack:       r.PrintStack,
		Metrics:          r.Metrics,
	})
	m := mgr.NewWithContext(ctx, s.Name, cfg)
	defer m.Cancel()

	if s.Global {
		cfg.SetGlobalFaultHandler(mgr.NewGlobalHandler(stdout))
	}

	g := m.MainGroup()
	if s.Group != nil {
		var h mgr.FaultHandler
		if s.Group.Custom {
			h = mgr.NewGroupHandler(stdout, s.Group.Name)
		}
		g = m.NewGroup(s.Group.Name, h)
	}

	u := g.NewUnit(s.Unit, faultingFunc(s))
	if s.Specific {
		u.SetFaultHandler(mgr.NewSpecificHandler(stdout))
	}
	if err := u.Start(); err != nil {
		return Result{}, err
	}
	if err := u.JoinContext(ctx); err != nil {
		return Result{}, err
	}

	result := Result{
		Scenario: s.Name,
		Unit:     u.Name(),
		Expected: s.Expected(),
		Handler:  u.HandledBy(),
	}
	if f := u.Fault(); f != nil {
		result.Fault = f.Error()
	}
	return result, nil
}

func faultingFunc(s Scenario) mgr.UnitFunc {
	msg := s.faultMessage()
	if s.ReturnError {
		return func(_ *mgr.Unit) error {
			return errors.New(msg)
		}
	}
	return func(_ *mgr.Unit) error {
		panic(errors.New(msg))
	}
}

// FormatResults formats the results as a readable table.
func FormatResults(results []Result) string {
	buf := bytes.NewBuffer(nil)

	tabWriter := tabwriter.NewWriter(buf, 4, 4, 3, ' ', 0)
	_, _ = fmt.Fprintf(tabWriter, "Scenario\tUnit\tExpected\tHandled By\tFault\tOK\n")
	for _, result := range results {
		_, _ = fmt.Fprintf(tabWriter,
			"%s\t%s\t%s\t%s\t%s\t%t\n",
			result.Scenario,
			result.Unit,
			result.Expected,
			result.Handler,
			result.Fault,
			result.OK(),
		)
	}
	_ = tabWriter.Flush()

	return buf.String()
}
