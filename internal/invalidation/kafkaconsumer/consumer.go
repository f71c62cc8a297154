// Package kafkaconsumer evicts cached table metadata when schema-change
// events arrive on Kafka.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/anandtrivedi/koop-provider-databricks/internal/core/observability"
	"github.com/anandtrivedi/koop-provider-databricks/internal/invalidation"
	mylog "github.com/anandtrivedi/koop-provider-databricks/internal/logger"
)

// Invalidator is implemented by *metadata.Cache.
type Invalidator interface {
	Invalidate(ctx context.Context, table string) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	cache  Invalidator
	joined atomic.Bool
	replay *replayGuard
}

func New(cfg Config, logger *slog.Logger, c Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger, cache: c, replay: newReplayGuard(cfg.ReplayWindow)}
}

// Start consumes until ctx is done, rejoining the group after errors.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("kafkaconsumer: missing metadata cache")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	ctx = mylog.WithComponent(ctx, "kafka_consumer")
	handler := &groupHandler{process: c.ProcessOne, onJoin: c.joined.Store}

	c.logger.InfoContext(ctx, "schema invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "schema invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.ErrorContext(ctx, "kafka consumer error",
					"err", err, "brokers", c.cfg.Brokers, "topic", c.cfg.Topic)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// Ready reports whether the consumer currently holds a group session.
func (c *Consumer) Ready(context.Context) error {
	if !c.joined.Load() {
		return errors.New("consumer group not joined")
	}
	return nil
}

// ProcessOne handles one message. Undecodable, invalid and replayed events
// are skipped; a failed eviction returns an error so the message is retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("kafka_decode_error")
		c.logger.WarnContext(ctx, "skipping undecodable schema event",
			"err", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation("kafka_invalid")
		c.logger.WarnContext(ctx, "skipping invalid schema event",
			"err", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	ctx = mylog.WithTable(ctx, ev.Table)
	if c.replay.stale(ev.Table, ev.TS) {
		obs.IncInvalidation("kafka_replay")
		c.logger.DebugContext(ctx, "skipping replayed schema event", "op", ev.Op, "ts", ev.TS, "offset", msg.Offset)
		return nil
	}
	if err := c.cache.Invalidate(ctx, ev.Table); err != nil {
		c.logger.ErrorContext(ctx, "metadata invalidation failed", "err", err, "op", ev.Op)
		return fmt.Errorf("invalidate %s: %w", ev.Table, err)
	}
	c.replay.applied(ev.Table, ev.TS)
	obs.IncInvalidation("kafka")
	c.logger.InfoContext(ctx, "metadata invalidated", "op", ev.Op, "source", ev.Source)
	return nil
}
