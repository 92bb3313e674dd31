package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/goenact/internal/app"
	"github.com/dontdude/goenact/internal/platform/history"
)

var (
	historyTask   string
	historyJob    string
	historyStatus string
	historyLimit  int
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded executions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyTask, "task", "", "only executions of this task ID")
	historyCmd.Flags().StringVar(&historyJob, "job", "", "only executions of this job ID")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only executions with this status (succeeded, failed)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of executions")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print executions as JSON")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	comps, err := initComponents(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer comps.Cleanup()
	if comps.History == nil {
		return fmt.Errorf("execution history is disabled; set history.path or GOENACT_HISTORY_PATH")
	}

	execs, err := comps.History.List(cmd.Context(), history.Filter{
		TaskID: historyTask,
		JobID:  historyJob,
		Status: historyStatus,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	if historyJSON {
		if execs == nil {
			execs = []history.Execution{}
		}
		return printJSON(cmd.OutOrStdout(), execs)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTASK\tSTATUS\tKIND\tEXIT\tDURATION\tENVIRONMENT")
	for _, e := range execs {
		kind := e.ErrorKind
		if kind == "" {
			kind = "-"
		}
		env := e.Identity
		if len(env) > 12 {
			env = env[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.TaskID, e.Status, kind, e.ExitCode,
			(time.Duration(e.DurationMS) * time.Millisecond).String(), env)
	}
	return tw.Flush()
}
