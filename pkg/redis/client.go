package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// BatchChannel carries one message per committed ingestion batch.
	BatchChannel = "mirrorx:indexer.batch"
	// BatchStream keeps the recent batch notifications for late readers.
	BatchStream = "mirrorx:indexer.batches"

	DefaultStreamMaxLen = 10000
)

// BatchNotification is published after a batch commits.
type BatchNotification struct {
	FromHeight uint64    `json:"from_height"`
	ToHeight   uint64    `json:"to_height"`
	Txs        int       `json:"txs"`
	Records    int       `json:"records"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client wraps the Redis client for indexing notifications (Pub/Sub plus a capped stream).
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient connects using REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB and REDIS_STREAM_MAXLEN.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     4,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Int64("streamMaxLen", streamMaxLen))

	return NewWithClient(rdb, logger, streamMaxLen), nil
}

// NewWithClient wraps an existing connection.
func NewWithClient(rdb *redis.Client, logger *zap.Logger, streamMaxLen int64) *Client {
	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Publish is best-effort: errors are logged, never returned.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// PublishBatch announces a committed batch on BatchChannel and appends it to BatchStream. Best-effort.
func (c *Client) PublishBatch(ctx context.Context, n BatchNotification) {
	payload, err := json.Marshal(n)
	if err != nil {
		c.logger.Warn("Failed to encode batch notification", zap.Error(err))
		return
	}
	c.Publish(ctx, BatchChannel, payload)

	args := &redis.XAddArgs{
		Stream: BatchStream,
		Values: map[string]interface{}{"batch": payload},
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}
	if err := c.client.XAdd(ctx, args).Err(); err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", BatchStream),
			zap.Error(err))
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
