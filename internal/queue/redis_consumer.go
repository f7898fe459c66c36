/**
 * Direct Redis Queue Consumer for the check extraction worker
 *
 * Job ids are pushed onto a Redis LIST; the job bodies live in the
 * <queue>:data hash. Status is mirrored into <queue>:processing,
 * <queue>:completed and <queue>:failed sets for dashboards.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/checkextract-worker/internal/logging"
	"github.com/adverant/nexus/checkextract-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// requeueTimeout bounds Redis writes that must outlive a cancelled consumer.
const requeueTimeout = 5 * time.Second

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"` // analyze, extract or process
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.JobProcessorInterface
	config    *RedisConsumerConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logging.Logger
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	Client            *redis.Client
	QueueName         string
	Concurrency       int
	Processor         processor.JobProcessorInterface
	ProcessingTimeout time.Duration
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "checkextract:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    cfg.Client,
		processor: cfg.Processor,
		config:    cfg,
		ctx:       consumerCtx,
		cancel:    cancel,
		logger:    logging.NewLogger("RedisConsumer"),
	}, nil
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer. The Redis client is owned by the caller.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return nil
}

// Enqueue stores job and pushes its id for a worker to pick up.
func (c *RedisConsumer) Enqueue(ctx context.Context, job *RedisJobData) error {
	return EnqueueRedisJob(ctx, c.client, c.config.QueueName, job)
}

// EnqueueRedisJob stores job in <queue>:data and LPUSHes its id.
func EnqueueRedisJob(ctx context.Context, client *redis.Client, queueName string, job *RedisJobData) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, queueName+":data", job.ID, data)
	pipe.LPush(ctx, queueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !stderrors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Warn("Worker error", "worker", id, "error", err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	jobData, err := c.client.HGet(c.ctx, c.config.QueueName+":data", jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(job.Payload.JobID, "processing", nil)

	processResult, err := runJob(c.ctx, c.processor, job.Payload.ToRequest(job.Type), c.config.ProcessingTimeout, c.logger)
	if err != nil {
		job.Attempts++
		if job.Attempts < job.MaxRetries {
			if err := c.requeue(&job); err != nil {
				c.logger.Error("Failed to re-queue job", "jobId", job.Payload.JobID, "attempt", job.Attempts, "error", err)
				return err
			}
			c.logger.Infof("[Job %s] Re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
		} else {
			c.updateJobStatus(job.Payload.JobID, "failed", map[string]interface{}{
				"error":    err.Error(),
				"attempts": job.Attempts,
			})
		}
		return nil
	}

	c.updateJobStatus(job.Payload.JobID, "completed", processResult)
	return nil
}

// requeue writes the job back and pushes its id again. The job was already
// popped, so this runs on its own deadline even after Stop cancelled c.ctx.
func (c *RedisConsumer) requeue(job *RedisJobData) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), requeueTimeout)
	defer cancel()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.config.QueueName+":data", job.ID, data)
	pipe.LPush(ctx, c.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to re-queue job %s: %w", job.ID, err)
	}
	return nil
}

// updateJobStatus mirrors queue state into Redis sets and publishes a
// job-level event. Persistent status lives in PostgreSQL via the processor.
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	q := c.config.QueueName
	switch status {
	case "processing":
		c.client.SAdd(c.ctx, q+":processing", jobID)
	case "completed":
		c.client.SRem(c.ctx, q+":processing", jobID)
		c.client.SAdd(c.ctx, q+":completed", jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, q+":results", jobID, resultData)
		}
	case "failed":
		c.client.SRem(c.ctx, q+":processing", jobID)
		c.client.SAdd(c.ctx, q+":failed", jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(c.ctx, q+":errors", jobID, errorData)
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"job_id":    jobID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, q+":events", eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	q := c.config.QueueName

	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, q)
	processing := pipe.SCard(ctx, q+":processing")
	completed := pipe.SCard(ctx, q+":completed")
	failed := pipe.SCard(ctx, q+":failed")
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
