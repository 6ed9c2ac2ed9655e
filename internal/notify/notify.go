package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultQueueKey is the Redis list notification workers pop from.
const DefaultQueueKey = "tokenledger:notifications"

var (
	// ErrInvalidQueueConfig reports a queue constructed without its dependencies.
	ErrInvalidQueueConfig = errors.New("invalid notification queue config")
	errEmptyJobID         = errors.New("empty job id")
)

// Job is the JSON payload pushed for notification workers.
type Job struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	UserID     string          `json:"userId"`
	Metadata   ledger.Metadata `json:"metadata"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisQueue appends jobs to a Redis list.
type RedisQueue struct {
	client listPusher
	key    string
	now    func() time.Time
}

// NewRedisQueue returns a queue writing to key (DefaultQueueKey when blank).
func NewRedisQueue(client listPusher, key string, now func() time.Time) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidQueueConfig)
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultQueueKey
	}
	if now == nil {
		now = time.Now
	}
	return &RedisQueue{client: client, key: key, now: now}, nil
}

// Enqueue implements ledger.NotificationQueue.
func (queue *RedisQueue) Enqueue(ctx context.Context, jobID string, userID ledger.UserID, metadata ledger.Metadata) error {
	job, err := newJob(jobID, userID, metadata, queue.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode notification job: %w", err)
	}
	if err := queue.client.RPush(ctx, queue.key, payload).Err(); err != nil {
		return fmt.Errorf("push notification job: %w", err)
	}
	return nil
}

// LogQueue writes jobs to a zap logger instead of delivering them.
type LogQueue struct {
	logger *zap.Logger
}

// NewLogQueue returns a queue that only logs.
func NewLogQueue(logger *zap.Logger) *LogQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogQueue{logger: logger}
}

// Enqueue implements ledger.NotificationQueue.
func (queue *LogQueue) Enqueue(_ context.Context, jobID string, userID ledger.UserID, metadata ledger.Metadata) error {
	job, err := newJob(jobID, userID, metadata, time.Now().UTC())
	if err != nil {
		return err
	}
	queue.logger.Info("notification job",
		zap.String("id", job.ID),
		zap.String("job_id", job.JobID),
		zap.String("user_id", job.UserID),
		zap.Any("metadata", map[string]any(job.Metadata)),
	)
	return nil
}

// NewRedisClient connects to redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 3 * time.Second
	options.WriteTimeout = 3 * time.Second

	client := redis.NewClient(options)
	pingContext, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingContext).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newJob(jobID string, userID ledger.UserID, metadata ledger.Metadata, at time.Time) (Job, error) {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return Job{}, errEmptyJobID
	}
	return Job{
		ID:         uuid.NewString(),
		JobID:      trimmed,
		UserID:     userID.String(),
		Metadata:   metadata.Clone(),
		EnqueuedAt: at.UTC(),
	}, nil
}
