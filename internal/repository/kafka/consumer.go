package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/obs/retry"
)

var (
	mIntakeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_intake_messages_total",
		Help: "Messages fetched from the event mutation topic.",
	}, []string{"topic"})
	mIntakeHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_intake_handler_errors_total",
		Help: "Handler failures for fetched messages.",
	}, []string{"topic"})
)

// Handler processes one raw message. A nil return commits the offset.
type Handler func(ctx context.Context, key, value []byte) error

// Consumer tails the event mutation topic the ticketing backend publishes to.
type Consumer struct {
	reader *kafka.Reader
	log    *zap.Logger
	topic  string
	group  string

	fetchBackoff retry.Backoff
}

type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topic         string
	FromBeginning bool
	Logger        *zap.Logger
}

func NewConsumer(cfg *ConsumerConfig) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}

	start := kafka.LastOffset
	if cfg.FromBeginning {
		start = kafka.FirstOffset
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               cfg.Brokers,
		GroupID:               cfg.GroupID,
		Topic:                 cfg.Topic,
		StartOffset:           start,
		WatchPartitionChanges: true,

		MinBytes:          1e3,
		MaxBytes:          10e6,
		SessionTimeout:    10 * time.Second,
		RebalanceTimeout:  15 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	})

	c := &Consumer{
		reader: r,
		topic:  cfg.Topic,
		group:  cfg.GroupID,
		fetchBackoff: retry.ExpoJitter{
			Base: 200 * time.Millisecond,
			Max:  5 * time.Second,
		},
	}
	c.log = c.childLogger(cfg.Logger)
	return c
}

func (c *Consumer) childLogger(l *zap.Logger) *zap.Logger {
	return l.With(
		zap.String("component", "kafka.intake"),
		zap.String("topic", c.topic),
		zap.String("group", c.group),
	)
}

func (c *Consumer) WithLogger(l *zap.Logger) *Consumer {
	if l == nil {
		return c
	}
	cp := *c
	cp.log = cp.childLogger(l)
	return &cp
}

// Consume fetches messages until ctx is canceled. Fetch failures back off
// with jitter; handler failures leave the offset uncommitted so the message
// is redelivered.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	c.log.Info("intake started")

	fetchFails := 0
	for {
		select {
		case <-ctx.Done():
			c.log.Info("intake stopped")
			return ctx.Err()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("intake stopped")
				return ctx.Err()
			}
			wait := c.fetchBackoff.Next(fetchFails)
			fetchFails++
			if errors.Is(err, io.EOF) {
				c.log.Debug("fetch EOF; retry", zap.Duration("backoff", wait))
			} else {
				c.log.Warn("fetch failed; retry", zap.Error(err), zap.Duration("backoff", wait))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		fetchFails = 0
		mIntakeMessages.WithLabelValues(c.topic).Inc()

		if err := h(ctx, msg.Key, msg.Value); err != nil {
			mIntakeHandlerErrors.WithLabelValues(c.topic).Inc()
			c.log.Error("handler error",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("commit failed; will retry later", zap.Error(err))
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
