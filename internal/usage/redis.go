package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nghyane/llm-relay/internal/json"
	log "github.com/nghyane/llm-relay/internal/logging"
)

// RedisPublisher appends records to a capped Redis stream for the analytics
// consumer.
type RedisPublisher struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
}

// RedisOptions configures NewRedisPublisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, opts RedisOptions) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	p := NewRedisPublisherFromClient(client, opts.Stream, opts.MaxLen)
	if err := p.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis_publisher: ping %s: %w", opts.Addr, err)
	}
	return p, nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client redis.UniversalClient, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "llm-relay:usage"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen, timeout: 2 * time.Second}
}

// HandleUsage implements Plugin.
func (p *RedisPublisher) HandleUsage(ctx context.Context, record Record) {
	if err := p.publish(ctx, record); err != nil {
		log.WithError(err).WithField("stream", p.stream).Warn("failed to publish usage record")
	}
}

func (p *RedisPublisher) publish(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis_publisher: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":       record.ID,
			"provider": record.Provider,
			"model":    record.Model,
			"tenant":   record.TenantID,
			"record":   string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis_publisher: xadd: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
