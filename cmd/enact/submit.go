package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dontdude/goenact/internal/config"
	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/platform/queue"
	"github.com/dontdude/goenact/internal/registry"
)

var (
	submitInputs  string
	submitPairs   []string
	submitTimeout time.Duration
	submitWait    time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-file|task-id>",
	Short: "Queue a task for the worker fleet",
	Long: `Publish a job to the Redis job stream. A task file is sent inline; any
other argument is sent as a task ID for the workers to resolve.

With --wait the command blocks until a worker reports the job's result
and prints it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitInputs, "inputs", "", "inputs as a JSON object")
	submitCmd.Flags().StringArrayVarP(&submitPairs, "input", "i", nil, "a single input as key=value (repeatable)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "execution timeout (default: the worker's)")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "wait up to this long for the result")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(submitInputs, submitPairs)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	job := domain.Job{
		ID:             uuid.NewString(),
		Inputs:         inputs,
		TimeoutSeconds: int(submitTimeout.Round(time.Second) / time.Second),
		SubmittedAt:    time.Now().UTC(),
	}
	if _, statErr := os.Stat(args[0]); statErr == nil {
		task, err := registry.LoadFile(args[0])
		if err != nil {
			return err
		}
		job.Task = task
		job.TaskID = task.ID
	} else {
		job.TaskID = args[0]
	}

	ctx := cmd.Context()
	q, err := queue.NewRedisQueue(ctx, queue.Options{
		Addr:           cfg.Redis.Addr,
		Stream:         cfg.Redis.Stream,
		Group:          cfg.Redis.Group,
		ResultsChannel: cfg.Redis.ResultsChannel,
		Logger:         newLogger(),
	})
	if err != nil {
		return err
	}
	defer q.Close()

	// Subscribe before publishing so a fast worker's result is not missed.
	var results <-chan domain.JobResult
	if submitWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, submitWait)
		defer cancel()
		if results, err = q.SubscribeResults(waitCtx); err != nil {
			return err
		}
	}

	if err := q.Publish(ctx, job); err != nil {
		return err
	}
	if submitWait <= 0 {
		return printJSON(cmd.OutOrStdout(), map[string]string{"job_id": job.ID, "status": "queued"})
	}

	for res := range results {
		if res.JobID != job.ID {
			continue
		}
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.Status != domain.JobSucceeded {
			return fmt.Errorf("job %s %s: %s", job.ID, res.Status, res.Error)
		}
		return nil
	}
	return fmt.Errorf("job %s: no result within %s", job.ID, submitWait)
}
