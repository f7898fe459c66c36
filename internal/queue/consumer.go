/**
 * Asynq Queue Consumer for the check extraction worker
 *
 * Alternative to the LIST consumer when producers enqueue through asynq.
 * One task type per job type; the task payload is a JobPayload.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/processor"
)

// Task types.
const (
	TaskAnalyze = "check:analyze"
	TaskExtract = "check:extract"
	TaskProcess = "check:process"
)

var taskJobTypes = map[string]string{
	TaskAnalyze: processor.JobAnalyze,
	TaskExtract: processor.JobExtract,
	TaskProcess: processor.JobProcess,
}

// Consumer handles job consumption through asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.JobProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.JobProcessorInterface
	ProcessingTimeout time.Duration
	MaxRetries        int
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at a minute
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	consumer := &Consumer{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	for taskType := range taskJobTypes {
		consumer.mux.HandleFunc(taskType, consumer.handleCheckJob)
	}

	return consumer, nil
}

// NewCheckTask builds a task for the given job type.
func NewCheckTask(jobType string, payload *JobPayload) (*asynq.Task, error) {
	for taskType, jt := range taskJobTypes {
		if jt == jobType {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal job payload: %w", err)
			}
			return asynq.NewTask(taskType, data), nil
		}
	}
	return nil, fmt.Errorf("unknown job type %q", jobType)
}

// Enqueue submits a job to the consumer's queue.
func (c *Consumer) Enqueue(ctx context.Context, jobType string, payload *JobPayload) (string, error) {
	task, err := NewCheckTask(jobType, payload)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetries),
		asynq.Timeout(c.config.ProcessingTimeout+time.Minute),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	return info.ID, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// handleCheckJob processes any check task
func (c *Consumer) handleCheckJob(ctx context.Context, task *asynq.Task) error {
	jobType, ok := taskJobTypes[task.Type()]
	if !ok {
		return fmt.Errorf("unknown task type %q: %w", task.Type(), asynq.SkipRetry)
	}

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := runJob(ctx, c.processor, payload.ToRequest(jobType), c.config.ProcessingTimeout, c.logger); err != nil {
		return fmt.Errorf("check job failed: %w", err)
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
