package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/checkextract-worker/internal/orchestrator"
)

// progressTTL bounds how long the last event of a job stays readable.
const progressTTL = 24 * time.Hour

// RedisProgress publishes orchestrator events on <queue>:events and keeps
// the latest event per job in the <queue>:progress hash.
type RedisProgress struct {
	client    *redis.Client
	queueName string
}

// NewRedisProgress creates a progress publisher for queueName.
func NewRedisProgress(client *redis.Client, queueName string) *RedisProgress {
	return &RedisProgress{client: client, queueName: queueName}
}

// Publish implements orchestrator.Progress.
func (p *RedisProgress) Publish(ctx context.Context, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.queueName+":events", data)
	pipe.HSet(ctx, p.queueName+":progress", ev.JobID, data)
	pipe.Expire(ctx, p.queueName+":progress", progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Last returns the most recent event of a job, or nil if none is stored.
func (p *RedisProgress) Last(ctx context.Context, jobID string) (*orchestrator.Event, error) {
	data, err := p.client.HGet(ctx, p.queueName+":progress", jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev orchestrator.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse progress event: %w", err)
	}
	return &ev, nil
}
