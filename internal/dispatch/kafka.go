package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
)

// KafkaConfig configures the Kafka producer and consumer group.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxRetry and BackoffMs bound the in-place retries of a failed batch
	// in the consumer.
	MaxRetry  int
	BackoffMs int
}

func saramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Version = sarama.V3_6_0_0
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Return.Successes = true
	c.Producer.Retry.Max = 5
	c.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Return.Errors = true
	return c
}

// KafkaInvoker publishes batch jobs to a topic for remote workers.
type KafkaInvoker struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
}

// NewKafkaInvoker connects a synchronous producer to the brokers.
func NewKafkaInvoker(cfg KafkaConfig) (*KafkaInvoker, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, model.Configf("kafka dispatch requires brokers and a topic")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaInvokerWithProducer(producer, cfg.Topic), nil
}

// NewKafkaInvokerWithProducer wraps an existing producer.
func NewKafkaInvokerWithProducer(p sarama.SyncProducer, topic string) *KafkaInvoker {
	return &KafkaInvoker{producer: p, topic: topic, log: slog.With("component", "kafka_invoker")}
}

func (k *KafkaInvoker) Name() string { return "kafka" }

// Invoke publishes the job, keyed by job id so a job's batches share a
// partition.
func (k *KafkaInvoker) Invoke(ctx context.Context, job model.BatchJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal batch job: %w", err)
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(job.JobID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("batch-id"), Value: []byte(strconv.Itoa(job.BatchID))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish batch %d: %w", job.BatchID, err)
	}
	k.log.Debug("published batch", "job_id", job.JobID, "batch_id", job.BatchID, "partition", partition, "offset", offset)
	return nil
}

// Close closes the producer.
func (k *KafkaInvoker) Close() error {
	return k.producer.Close()
}

// Consumer runs the batch handler for every job consumed from the topic.
// Messages are marked once handled, so delivery is at least once.
//
// Marking a message commits every earlier offset of its partition, so a
// batch that still fails after its retries ends the session instead of being
// skipped; the next session resumes from the last committed offset.
type Consumer struct {
	group     sarama.ConsumerGroup
	handler   JobHandler
	topic     string
	maxRetry  int
	backoffMs int
	sleep     func(ctx context.Context, d time.Duration) error
	log       *slog.Logger
}

// NewConsumer joins the consumer group.
func NewConsumer(cfg KafkaConfig, h JobHandler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, model.Configf("kafka consumer requires brokers, a topic and a group")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	c := newConsumer(h, cfg)
	c.group = group
	return c, nil
}

func newConsumer(h JobHandler, cfg KafkaConfig) *Consumer {
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.BackoffMs <= 0 {
		cfg.BackoffMs = 1000
	}
	return &Consumer{
		handler:   h,
		topic:     cfg.Topic,
		maxRetry:  cfg.MaxRetry,
		backoffMs: cfg.BackoffMs,
		sleep:     sleepContext,
		log:       slog.With("component", "kafka_consumer", "group", cfg.GroupID, "topic", cfg.Topic),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Error("consumer group error", "error", err)
		}
	}()

	c.log.Info("consumer started")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("consume failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup is run at the beginning of a new session.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup is run at the end of a session.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles the messages of one partition claim. It returns an
// error, without marking, when a batch keeps failing.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleMessage(ctx, msg.Value); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Error("batch failed, restarting session from last commit",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err)
				return fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err)
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handleMessage runs one job, retrying transient failures in place. A nil
// result means the message can be marked: undecodable messages and
// configuration errors are marked so they are not redelivered.
func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	var job model.BatchJob
	if err := json.Unmarshal(value, &job); err != nil {
		c.log.Error("dropping undecodable batch job", "error", err)
		return nil
	}
	log := c.log.With("job_id", job.JobID, "batch_id", job.BatchID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetry; attempt++ {
		n, err := c.handler.Handle(ctx, job)
		switch {
		case err == nil:
			log.Info("batch handled", "matches", n, "attempt", attempt+1)
			return nil
		case model.IsConfigError(err):
			log.Error("dropping invalid batch job", "error", err)
			return nil
		}
		lastErr = err
		if attempt == c.maxRetry {
			break
		}
		backoff := time.Duration(c.backoffMs*(1<<attempt)) * time.Millisecond
		log.Warn("batch failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("batch %s:%d failed after %d attempts: %w", job.JobID, job.BatchID, c.maxRetry+1, lastErr)
}
