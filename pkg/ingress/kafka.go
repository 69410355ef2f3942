package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type KafkaConfig struct {
	Brokers      []string
	SignalsTopic string
	ResultsTopic string
	GroupID      string
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer consumes JSON operator signals from Kafka.
type KafkaConsumer struct {
	reader        messageReader
	handler       *Handler
	logger        *logrus.Logger
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultMaxRetryDelay = 30 * time.Second
)

func NewKafkaConsumer(cfg KafkaConfig, handler *Handler, logger *logrus.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.SignalsTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaConsumer{
		reader:        reader,
		handler:       handler,
		logger:        logger,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// Run handles messages until ctx is cancelled. A message is committed once
// it was handled or turned out to be malformed or rejected. Any other failure
// is retried with backoff and the offset is held back until it succeeds, so a
// ledger outage never drops a signal. Redelivery is safe because trades are
// keyed by signal id.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka signal consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

// processWithRetry only returns once msg is done with or ctx is cancelled.
func (c *KafkaConsumer) processWithRetry(ctx context.Context, msg kafka.Message) error {
	delay := c.retryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	maxDelay := c.maxRetryDelay
	if maxDelay < delay {
		maxDelay = delay
	}

	for attempt := 1; ; attempt++ {
		err := c.process(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.WithError(err).WithFields(logrus.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"attempt":   attempt,
			"retry_in":  delay.String(),
		}).Warn("Signal not handled, offset held back")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// process returns an error only for failures worth retrying.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) error {
	logger := c.logger.WithFields(logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var sig Signal
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		logger.WithError(err).Warn("Skipping malformed signal")
		c.handler.metrics.RecordSignal("kafka", "unknown", "malformed")
		return nil
	}

	if _, err := c.handler.Handle(ctx, "kafka", sig); err != nil {
		entry := logger.WithError(err).WithFields(logrus.Fields{
			"signal_id":   sig.SignalID,
			"operator_id": sig.OperatorID,
			"action":      sig.Action,
		})
		if IsInputError(err) {
			entry.Warn("Rejected signal")
			return nil
		}
		entry.Error("Failed to handle signal")
		return err
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes signal results to a Kafka topic keyed by trade id.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

var _ Notifier = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.ResultsTopic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, timeout: 10 * time.Second}
}

func (p *KafkaPublisher) Notify(ctx context.Context, r *Result) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal signal result: %w", err)
	}

	var key []byte
	if r.Trade != nil {
		key = []byte(r.Trade.ID)
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(wctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
