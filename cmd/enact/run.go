package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/goenact/internal/app"
)

var (
	runInputs    string
	runPairs     []string
	runTimeout   time.Duration
	runNoHistory bool
)

var runCmd = &cobra.Command{
	Use:   "run <task-file|task-id>",
	Short: "Run a task locally and print its result",
	Long: `Run a task on this machine. The argument is a path to a task document
or, when no such file exists, a task ID fetched from the configured registry.

The task's environment is provisioned on first use and reused afterwards.
The structured value the task prints is written to stdout as JSON.

Examples:
  enact run hello.yaml --input name=Ada
  enact run Calculator --inputs '{"a": 40, "b": 2}' --timeout 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runInputs, "inputs", "", "inputs as a JSON object")
	runCmd.Flags().StringArrayVarP(&runPairs, "input", "i", nil, "a single input as key=value (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "execution timeout (default runtime.timeout)")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "do not record the execution")
}

func runRun(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(runInputs, runPairs)
	if err != nil {
		return err
	}

	comps, err := initComponents(cmd, app.Options{WithoutHistory: runNoHistory})
	if err != nil {
		return err
	}
	defer comps.Cleanup()

	ctx := cmd.Context()
	task, err := comps.LoadTask(ctx, args[0])
	if err != nil {
		return err
	}

	res, err := comps.Engine.Execute(ctx, task, inputs, runTimeout)
	if err != nil {
		return err
	}
	if res.Stderr != "" {
		cmd.PrintErr(res.Stderr)
	}
	return printJSON(cmd.OutOrStdout(), res.Value)
}
