package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/safing/faultmgr/base/metrics"
	"github.com/safing/faultmgr/service/scenario"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios, all of them if none are named.",
		RunE:  runScenarios,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List available scenarios.",
		Args:  cobra.NoArgs,
		RunE:  listScenarios,
	}

	scenarioFile string
	printStack   bool
	printMetrics bool
	printSummary bool
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, listCmd} {
		cmd.Flags().StringVarP(&scenarioFile, "file", "f", "", "load scenarios from a YAML file instead of the built-in ones")
	}
	runCmd.Flags().BoolVar(&printStack, "stack", false, "print stack traces of faults reaching the default action")
	runCmd.Flags().BoolVar(&printMetrics, "metrics", false, "print dispatch metrics in the prometheus format when done")
	runCmd.Flags().BoolVar(&printSummary, "summary", false, "print a table of which handler caught which unit")
}

func loadScenarios() ([]scenario.Scenario, error) {
	if scenarioFile == "" {
		return scenario.Defaults(), nil
	}
	return scenario.LoadFile(scenarioFile)
}

func runScenarios(cmd *cobra.Command, args []string) error {
	scenarios, err := loadScenarios()
	if err != nil {
		return err
	}
	scenarios, err = scenario.Select(scenarios, args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	set, err := metrics.NewSet("faultdemo", nil)
	if err != nil {
		return err
	}
	runner := &scenario.Runner{
		Stdout:     cmd.OutOrStdout(),
		Stderr:     cmd.ErrOrStderr(),
		PrintStack: printStack,
		Metrics:    set,
	}
	results, err := runner.Run(ctx, scenarios)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if printSummary {
		_, _ = fmt.Fprintf(out, "\n%s", scenario.FormatResults(results))
	}
	if printMetrics {
		_, _ = fmt.Fprintln(out)
		set.WritePrometheus(out)
	}

	for _, result := range results {
		if !result.OK() {
			return fmt.Errorf("scenario %s: fault was handled by %q instead of %q", result.Scenario, result.Handler, result.Expected)
		}
	}
	return nil
}

func listScenarios(cmd *cobra.Command, _ []string) error {
	scenarios, err := loadScenarios()
	if err != nil {
		return err
	}
	for _, s := range scenarios {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t(expects %s)\n", s.Name, s.Expected())
	}
	return nil
}
