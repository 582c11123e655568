// Package ingest consumes decoded block batches from JetStream and drives
// the correlation engine. Batches are processed one at a time in stream
// order; a failed batch is nak'd and redelivered.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/manaops/creditflow/internal/platform/nats"
	"github.com/manaops/creditflow/pkg/event"
)

// Processor handles one decoded batch end to end. Implementations must be
// idempotent under redelivery.
type Processor interface {
	Run(ctx context.Context, batch *event.Batch) error
}

// Config holds the consumer settings.
type Config struct {
	NATSURL      string
	StreamName   string
	ConsumerName string
	FetchTimeout time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		NATSURL:      "nats://localhost:4222",
		StreamName:   "DECODED_BLOCKS",
		ConsumerName: "creditflow-indexer",
		FetchTimeout: 5 * time.Second,
	}
}

// Consumer pulls decoded batches off the stream and feeds the processor.
type Consumer struct {
	cfg       Config
	client    *pnats.Client
	consumer  jetstream.Consumer
	processor Processor
	guard     *SequenceGuard
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewConsumer connects to NATS and ensures the stream and durable consumer.
func NewConsumer(ctx context.Context, cfg Config, processor Processor, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	natsCfg := pnats.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = cfg.ConsumerName

	client, err := pnats.Connect(ctx, natsCfg)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	streamCfg := pnats.DefaultDecodedBlocksStreamConfig()
	if cfg.StreamName != "" {
		streamCfg.Name = cfg.StreamName
	}

	stream, err := pnats.EnsureStream(ctx, client.JetStream(), streamCfg)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	consumerCfg := pnats.DefaultIndexerConsumerConfig(cfg.ConsumerName)
	consumer, err := pnats.EnsureConsumer(ctx, stream, consumerCfg)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	logger.Info("ingest consumer initialized",
		"url", cfg.NATSURL,
		"stream", streamCfg.Name,
		"consumer", cfg.ConsumerName,
	)

	return &Consumer{
		cfg:       cfg,
		client:    client,
		consumer:  consumer,
		processor: processor,
		guard:     NewSequenceGuard(logger),
		logger:    logger.With("component", "ingest"),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the fetch loop until the context is cancelled or Stop is
// called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting ingest loop", "fetch_timeout", c.cfg.FetchTimeout)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingest consumer stopping")
			return nil
		case <-c.done:
			c.logger.Info("ingest consumer stopped")
			return nil
		default:
			if err := c.fetchAndProcess(ctx); err != nil {
				c.logger.Error("batch processing error", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (c *Consumer) fetchAndProcess(ctx context.Context) error {
	msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(c.cfg.FetchTimeout))
	if err != nil {
		if err == context.DeadlineExceeded {
			return nil
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	for msg := range msgs.Messages() {
		if err := c.processData(ctx, msg.Data()); err != nil {
			c.logger.Error("batch rejected", "subject", msg.Subject(), "error", err)
			msg.Nak()
			return err
		}
		if err := msg.Ack(); err != nil {
			c.logger.Warn("failed to ack batch", "error", err)
		}
	}
	if err := msgs.Error(); err != nil {
		c.logger.Warn("message iteration error", "error", err)
	}
	return nil
}

// processData decodes and processes one batch payload. Split out of the
// fetch loop so the pipeline can be exercised without a broker.
func (c *Consumer) processData(ctx context.Context, data []byte) error {
	var batch event.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("unmarshal batch: %w", err)
	}
	if len(batch.Blocks) == 0 {
		return nil
	}

	if err := c.guard.Check(batch.Chain, batch.FromHeight(), batch.ToHeight()); err != nil {
		return err
	}

	start := time.Now()
	if err := c.processor.Run(ctx, &batch); err != nil {
		return fmt.Errorf("process batch %d-%d: %w", batch.FromHeight(), batch.ToHeight(), err)
	}

	c.logger.Debug("batch processed",
		"chain", batch.Chain,
		"from", batch.FromHeight(),
		"to", batch.ToHeight(),
		"blocks", len(batch.Blocks),
		"took", time.Since(start),
	)
	return nil
}

// Stop shuts the consumer down and drains the connection.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	c.running = false
	close(c.done)

	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsRunning reports whether the fetch loop is active.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
