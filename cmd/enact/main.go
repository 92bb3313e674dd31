// Enact runs enact task definitions in dependency-cached sandboxes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dontdude/goenact/internal/domain"
)

// Exit codes.
const (
	ExitFailure     = 1 // Setup, provisioning or internal failure.
	ExitTaskFailure = 2 // The task ran and failed, timed out or printed no JSON.
	ExitInvalidTask = 3 // The task cannot be run as defined.
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "enact",
	Short: "Run enact tasks in dependency-cached sandboxes.",
	Long: `Enact executes the Python payload of an enact task definition in an
isolated environment built from the task's declared dependencies. Environments
are cached by the content hash of the dependency manifest, so a manifest is
provisioned once and every later run reuses it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $GOENACT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, submitCmd, envCmd, historyCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrExecutionFailure), errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrOutputDecode):
		return ExitTaskFailure
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, domain.ErrUnsupportedEcosystem),
		errors.Is(err, domain.ErrNoExecutablePayload), errors.Is(err, domain.ErrVersionMismatch):
		return ExitInvalidTask
	default:
		return ExitFailure
	}
}
