package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/manaops/creditflow/internal/platform/kafka"
	"github.com/manaops/creditflow/internal/platform/storage"
)

type PublisherConfig struct {
	Brokers      string
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

// Publisher drains the transactional outbox into Kafka. Records stay
// pending until the produce is acknowledged, so a crash between claim and
// publish only ever causes redelivery, never loss.
type Publisher struct {
	cfg    PublisherConfig
	db     *storage.DB
	repo   *storage.OutboxRepository
	client *kgo.Client
}

func NewPublisher(ctx context.Context, cfg PublisherConfig, db *storage.DB) (*Publisher, error) {
	brokerList := strings.Split(cfg.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	// Ensure the fanout topics exist before producing.
	topics, err := kafka.NewTopicManager(cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("create topic manager: %w", err)
	}
	defer topics.Close()
	if err := topics.EnsureTopics(ctx, kafka.DefaultTopicConfigs()); err != nil {
		return nil, fmt.Errorf("ensure topics: %w", err)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Publisher{
		cfg:    cfg,
		db:     db,
		repo:   storage.NewOutboxRepository(db),
		client: client,
	}, nil
}

func (p *Publisher) Run(ctx context.Context) error {
	slog.Info("Starting publisher polling loop",
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-ticker.C:
			if err := p.pollAndPublish(ctx); err != nil {
				slog.Error("Poll and publish error", "error", err)
			}
		}
	}
}

func (p *Publisher) pollAndPublish(ctx context.Context) error {
	messages, err := p.repo.FetchPendingMessages(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending messages: %w", err)
	}

	if len(messages) == 0 {
		return nil
	}

	slog.Debug("Fetched pending messages", "count", len(messages))

	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}

	claimed, err := p.repo.MarkAsProcessing(ctx, ids)
	if err != nil {
		return fmt.Errorf("mark as processing: %w", err)
	}

	if len(claimed) == 0 {
		return nil
	}

	claimedSet := make(map[int64]bool)
	for _, id := range claimed {
		claimedSet[id] = true
	}

	var wg sync.WaitGroup
	results := make(chan publishResult, len(claimed))

	for _, msg := range messages {
		if !claimedSet[msg.ID] {
			continue
		}

		wg.Add(1)
		go func(msg storage.OutboxMessage) {
			defer wg.Done()
			err := p.publishMessage(ctx, msg)
			results <- publishResult{id: msg.ID, err: err}
		}(msg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var successIDs []int64
	for result := range results {
		if result.err != nil {
			slog.Error("Failed to publish message",
				"id", result.id,
				"error", result.err,
			)
			if err := p.repo.MarkAsFailed(ctx, result.id, result.err.Error()); err != nil {
				slog.Error("Failed to mark message as failed",
					"id", result.id,
					"error", err,
				)
			}
		} else {
			successIDs = append(successIDs, result.id)
		}
	}

	if len(successIDs) > 0 {
		if err := p.repo.MarkAsPublished(ctx, successIDs); err != nil {
			return fmt.Errorf("mark as published: %w", err)
		}
		slog.Info("Successfully published messages", "count", len(successIDs))
	}

	return nil
}

type publishResult struct {
	id  int64
	err error
}

func (p *Publisher) publishMessage(ctx context.Context, msg storage.OutboxMessage) error {
	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "record_id", Value: []byte(msg.RecordID)},
			{Key: "record_kind", Value: []byte(msg.RecordKind)},
		},
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}

	return nil
}

func (p *Publisher) shutdown() error {
	slog.Info("Shutting down publisher")

	if err := p.client.Flush(context.Background()); err != nil {
		slog.Error("Error flushing Kafka messages", "error", err)
	}

	p.client.Close()
	return nil
}
