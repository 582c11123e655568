//go:build integration
// +build integration

package nats_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/manaops/creditflow/internal/platform/nats"
)

func TestNATSIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	cfg.URL = "nats://localhost:4222"
	cfg.Name = "integration-test"

	client, err := pnats.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer client.Close()

	streamCfg := pnats.DefaultDecodedBlocksStreamConfig()
	stream, err := pnats.EnsureStream(ctx, client.JetStream(), streamCfg)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	consumerCfg := pnats.DefaultIndexerConsumerConfig("integration-test-consumer")
	consumer, err := pnats.EnsureConsumer(ctx, stream, consumerCfg)
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	batch := map[string]interface{}{
		"chain": "polygon",
		"blocks": []map[string]interface{}{
			{"height": 12345, "timestamp": time.Now().UTC().Format(time.RFC3339)},
		},
	}
	data, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("Failed to marshal batch: %v", err)
	}

	subject := pnats.SubjectForChain("polygon")
	if _, err := client.JetStream().Publish(ctx, subject, data); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	if err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	for msg := range msgs.Messages() {
		if err := msg.Ack(); err != nil {
			t.Errorf("Failed to ack: %v", err)
		}
	}
}
