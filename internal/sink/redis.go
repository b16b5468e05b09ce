package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
)

type redisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedis returns a sink appending samples to a Redis stream.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (Sink, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg config.RedisConfig) *redisSink {
	return &redisSink{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

func (r *redisSink) Name() string { return "redis" }

func (r *redisSink) Save(ctx context.Context, s model.Sample) error {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"ts":              strconv.FormatInt(ts.UnixMilli(), 10),
			"url":             s.URL,
			"category":        s.Category.Name(),
			"label":           s.Label,
			"tag":             s.Tag,
			"numberRequested": s.Stats.NumberRequested,
			"numberNotFound":  s.Stats.NumberNotFound,
			"totalSize":       s.Stats.TotalSize,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}

func (r *redisSink) Close() error { return r.client.Close() }
