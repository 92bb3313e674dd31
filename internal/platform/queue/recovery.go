package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/goenact/internal/domain"
)

// recoveryConsumer is the consumer name stale jobs are claimed to.
const recoveryConsumer = "recovery-agent"

// StartRecoveryRoutine polls the PEL for jobs whose worker vanished and
// reports them as abandoned. Jobs are never re-executed: running arbitrary
// code twice is the submitter's decision.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval time.Duration, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("starting redis recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.ReclaimStale(ctx, maxAge); err != nil {
				r.logger.Error("recovery routine failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reported abandoned jobs", "count", n)
			}
		}
	}
}

// ReclaimStale claims every job pending longer than maxAge, broadcasts an
// abandoned result for it and acknowledges it. It returns how many jobs
// were reclaimed.
func (r *RedisQueue) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}

	total := 0
	start := "-" // Start from beginning of stream
	for {
		// XAUTOCLAIM: finds messages pending for > maxAge and claims them
		// in batches of 10.
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return total, err
		}

		for _, msg := range messages {
			result := abandonedResult(msg, maxAge)
			r.logger.Warn("stale job claimed by recovery agent", "msgID", msg.ID, "jobID", result.JobID)

			if err := r.Broadcast(ctx, result); err != nil {
				r.logger.Error("failed to report abandoned job", "jobID", result.JobID, "error", err)
			}
			if err := r.Acknowledge(ctx, msg.ID); err != nil {
				return total, err
			}
			total++
		}

		start = nextStart
		if len(messages) == 0 || start == "0-0" {
			return total, nil
		}
	}
}

func abandonedResult(msg redis.XMessage, maxAge time.Duration) domain.JobResult {
	result := domain.JobResult{
		JobID:     msg.ID,
		Status:    domain.JobAbandoned,
		ErrorKind: domain.JobAbandoned,
		Error:     "job was not acknowledged within " + maxAge.String() + "; it is not retried",
	}
	if job, err := decodeJob(msg); err == nil {
		result.JobID = job.ID
		result.TaskID = job.TaskID
		if result.TaskID == "" && job.Task != nil {
			result.TaskID = job.Task.ID
		}
	}
	return result
}
