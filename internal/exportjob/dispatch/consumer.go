package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/conversa/internal/config"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	"github.com/smallbiznis/conversa/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	readBlock = 5 * time.Second
	readCount = 8
)

// Consumer pulls dispatched jobs off the redis stream and runs them. Each
// message is acknowledged after the run returns, success or not: failed runs
// requeue themselves through the job state machine, not through redelivery.
type Consumer struct {
	client   *redis.Client
	service  exportjobdomain.Service
	limiter  *ratelimit.ExportLimiter
	log      *zap.Logger
	stream   string
	group    string
	consumer string

	cancel context.CancelFunc
	done   chan struct{}
}

type ConsumerParams struct {
	fx.In

	Client  *redis.Client
	Service exportjobdomain.Service
	Limiter *ratelimit.ExportLimiter
	Log     *zap.Logger
	Config  config.Config
}

func NewConsumer(p ConsumerParams) *Consumer {
	host, _ := os.Hostname()
	if host == "" {
		host = "conversa"
	}
	return &Consumer{
		client:   p.Client,
		service:  p.Service,
		limiter:  p.Limiter,
		log:      p.Log.Named("exportjob.consumer"),
		stream:   p.Config.DispatchStream,
		group:    p.Config.DispatchGroup,
		consumer: fmt.Sprintf("%s-%s", host, ulid.Make()),
		done:     make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(runCtx)

	c.log.Info("consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.consumer),
	)
	return nil
}

func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Warn("stream read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	defer func() {
		if err := c.client.XAck(context.Background(), c.stream, c.group, msg.ID).Err(); err != nil {
			c.log.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()

	raw, _ := msg.Values["job_id"].(string)
	jobID, err := snowflake.ParseString(raw)
	if err != nil {
		c.log.Error("malformed dispatch message",
			zap.String("message_id", msg.ID),
			zap.String("job_id", raw),
		)
		return
	}

	token, ok, err := c.limiter.TryLockJob(ctx, jobID)
	if err != nil {
		c.log.Warn("job lock failed", zap.Stringer("job_id", jobID), zap.Error(err))
		return
	}
	if !ok {
		// another worker is already on it
		return
	}
	defer func() {
		if err := c.limiter.ReleaseJob(context.Background(), jobID, token); err != nil {
			c.log.Warn("job lock release failed", zap.Stringer("job_id", jobID), zap.Error(err))
		}
	}()

	if err := c.service.Run(ctx, jobID); err != nil {
		if errors.Is(err, exportjobdomain.ErrNotFound) {
			c.log.Warn("dispatched job does not exist", zap.Stringer("job_id", jobID))
			return
		}
		c.log.Warn("job run ended with error", zap.Stringer("job_id", jobID), zap.Error(err))
	}
}
