package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/goenact/internal/compose"
	"github.com/dontdude/goenact/internal/domain"
)

// Options names the Redis keys the queue uses.
type Options struct {
	Addr           string
	Stream         string
	Group          string
	ResultsChannel string
	Logger         *slog.Logger
}

// RedisQueue implements domain.JobQueue using Redis Streams for jobs and
// Pub/Sub for results.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	results  string
	consumer string
	logger   *slog.Logger
}

// RedisQueue is both the job source and the result sink of a worker.
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and verifies the connection with a ping.
func NewRedisQueue(ctx context.Context, opts Options) (*RedisQueue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
	})

	// Fail fast when Redis is unreachable.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	// Consumer names must be unique within the group.
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}

	return &RedisQueue{
		client:   rdb,
		stream:   opts.Stream,
		group:    opts.Group,
		results:  opts.ResultsChannel,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:   logger,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish appends a job to the job stream.
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// ID "*" lets Redis assign a time-ordered entry ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group (and the stream) if needed.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	// "0" lets the group see jobs published before any worker started.
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe reads jobs for this consumer with XREADGROUP.
// The channel is closed when ctx is done.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)

	go func() {
		defer close(outCh)

		for ctx.Err() == nil {
			// Block for at most 2s so that ctx is re-checked regularly.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{r.stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // Timeout, retry
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("redis read error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second): // Backoff
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						// Undecodable entries can never succeed; drop them.
						r.logger.Error("discarding invalid job message", "msgID", msg.ID, "error", err)
						_ = r.Acknowledge(ctx, msg.ID)
						continue
					}
					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

// decodeJob extracts a job from a stream entry and records the entry ID
// for acknowledgement.
func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, fmt.Errorf("message %s has no job field", msg.ID)
	}
	var job domain.Job
	if err := compose.DecodeJSON([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Broadcast publishes a job result on the results channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.client.Publish(ctx, r.results, data).Err()
}

// SubscribeResults subscribes to the results channel and streams results
// to a Go channel.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.JobResult, error) {
	pubsub := r.client.Subscribe(ctx, r.results)

	// Results published before the subscription is confirmed are lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.JobResult)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					r.logger.Error("failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
