package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/goenact/internal/app"
	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/envcache"
)

var (
	envListJSON bool
	envPruneTTL time.Duration
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Inspect and manage cached environments",
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached environments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		comps, err := initComponents(cmd, app.Options{WithoutHistory: true})
		if err != nil {
			return err
		}
		defer comps.Cleanup()

		records, err := comps.Cache.List()
		if err != nil {
			return err
		}
		if envListJSON {
			if records == nil {
				records = []domain.EnvironmentRecord{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		}
		return printEnvTable(cmd, records)
	},
}

var envResolveCmd = &cobra.Command{
	Use:   "resolve <task-file|task-id>",
	Short: "Provision a task's environment without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := initComponents(cmd, app.Options{WithoutHistory: true})
		if err != nil {
			return err
		}
		defer comps.Cleanup()

		task, err := comps.LoadTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := task.Dependencies.Validate(); err != nil {
			return err
		}
		rec, err := comps.Cache.Resolve(cmd.Context(), task.Dependencies)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var envPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove environments unused for longer than --ttl",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if envPruneTTL <= 0 {
			return fmt.Errorf("--ttl must be positive")
		}
		comps, err := initComponents(cmd, app.Options{WithoutHistory: true})
		if err != nil {
			return err
		}
		defer comps.Cleanup()

		removed, err := comps.Cache.Prune(cmd.Context(), envcache.TTLPolicy{TTL: envPruneTTL})
		for _, id := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
		}
		return err
	},
}

var envRmCmd = &cobra.Command{
	Use:   "rm <identity>...",
	Short: "Remove environments by identity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := initComponents(cmd, app.Options{WithoutHistory: true})
		if err != nil {
			return err
		}
		defer comps.Cleanup()

		records, err := comps.Cache.List()
		if err != nil {
			return err
		}
		for _, arg := range args {
			id, err := matchIdentity(records, arg)
			if err != nil {
				return err
			}
			if err := comps.Cache.Invalidate(cmd.Context(), id); err != nil {
				return fmt.Errorf("removing %s: %w", id.Short(), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
		}
		return nil
	},
}

func init() {
	envListCmd.Flags().BoolVar(&envListJSON, "json", false, "print records as JSON")
	envPruneCmd.Flags().DurationVar(&envPruneTTL, "ttl", 0, "evict environments unused for longer than this (required)")
	envCmd.AddCommand(envListCmd, envResolveCmd, envPruneCmd, envRmCmd)
}

func printEnvTable(cmd *cobra.Command, records []domain.EnvironmentRecord) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tSTATE\tBACKEND\tPYTHON\tPACKAGES\tLAST USED")
	for _, rec := range records {
		lastUsed := "-"
		if !rec.LastUsed.IsZero() {
			lastUsed = rec.LastUsed.Local().Format(time.DateTime)
		}
		pyVersion := rec.RuntimeVersion
		if pyVersion == "" {
			pyVersion = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.Identity.Short(), rec.State, rec.Backend, pyVersion, len(rec.Manifest.Packages()), lastUsed)
	}
	return tw.Flush()
}

// matchIdentity finds the environment whose identity is or starts with
// prefix, as shown by env list.
func matchIdentity(records []domain.EnvironmentRecord, prefix string) (domain.Identity, error) {
	var found []domain.Identity
	for _, rec := range records {
		if rec.Identity.String() == prefix {
			return rec.Identity, nil
		}
		if strings.HasPrefix(rec.Identity.String(), prefix) {
			found = append(found, rec.Identity)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no environment matches %q", prefix)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%q matches %d environments", prefix, len(found))
	}
}
