// Load generator for the credit indexer. Publishes synthetic decoded-block
// batches to JetStream, one contiguous height sequence per chain, so the
// indexer's sequence guard sees the same gap-free ranges a real scanner
// would deliver. Batch shapes mirror pkg/event without importing it; this
// tool is a standalone module.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Config struct {
	NATSUrl        string
	Rate           int
	Duration       time.Duration
	Chains         []string
	BlocksPerBatch int
	LogsPerBlock   int
	BurstMode      bool
	BurstRatio     float64
	BurstPeriod    time.Duration
	StreamName     string
	SubjectBase    string
}

type transferPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type creditUsedPayload struct {
	CreditID    string `json:"credit_id"`
	Beneficiary string `json:"beneficiary"`
	Contract    string `json:"contract"`
	Amount      uint64 `json:"amount"`
}

type orderCreatedPayload struct {
	OrderHash  string `json:"order_hash"`
	From       string `json:"from"`
	To         string `json:"to"`
	Filler     string `json:"filler"`
	FromToken  string `json:"from_token"`
	ToToken    string `json:"to_token"`
	FromAmount uint64 `json:"from_amount"`
	FillAmount uint64 `json:"fill_amount"`
	FeeRate    uint64 `json:"fee_rate"`
	FromChain  uint64 `json:"from_chain"`
	ToChain    uint64 `json:"to_chain"`
}

type logEntry struct {
	Kind     string `json:"kind"`
	TxHash   string `json:"tx_hash"`
	LogIndex uint32 `json:"log_index"`

	Transfer     *transferPayload     `json:"transfer,omitempty"`
	CreditUsed   *creditUsedPayload   `json:"credit_used,omitempty"`
	OrderCreated *orderCreatedPayload `json:"order_created,omitempty"`
}

type block struct {
	Height    uint64     `json:"height"`
	Hash      string     `json:"hash"`
	Timestamp time.Time  `json:"timestamp"`
	Logs      []logEntry `json:"logs"`
}

type batch struct {
	Chain  string  `json:"chain"`
	Blocks []block `json:"blocks"`
}

// systemAddresses must match the indexer's configured role addresses so
// that generated transfers classify as credit payments.
var systemAddresses = []string{
	"0x1111111111111111111111111111111111111111",
	"0x2222222222222222222222222222222222222222",
}

const daoAddress = "0x3333333333333333333333333333333333333333"

type Metrics struct {
	Published atomic.Int64
	Errors    atomic.Int64
	BytesSent atomic.Int64
}

func main() {
	cfg := parseFlags()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("generator failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.NATSUrl, "nats", "nats://localhost:4222", "NATS server URL")
	flag.IntVar(&cfg.Rate, "rate", 10, "Batches per second per chain")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "Test duration")
	chainsStr := flag.String("chains", "polygon", "Comma-separated list of chains")
	flag.IntVar(&cfg.BlocksPerBatch, "blocks", 10, "Blocks per batch")
	flag.IntVar(&cfg.LogsPerBlock, "logs", 4, "Average decoded logs per block")
	flag.BoolVar(&cfg.BurstMode, "burst", false, "Enable burst mode")
	flag.Float64Var(&cfg.BurstRatio, "burst-ratio", 10.0, "Burst rate multiplier")
	flag.DurationVar(&cfg.BurstPeriod, "burst-period", 30*time.Second, "Time between bursts")
	flag.StringVar(&cfg.StreamName, "stream", "DECODED_BLOCKS", "JetStream stream name")
	flag.StringVar(&cfg.SubjectBase, "subject", "credits.blocks", "Subject prefix")

	flag.Parse()

	cfg.Chains = strings.Split(*chainsStr, ",")
	for i, c := range cfg.Chains {
		cfg.Chains[i] = strings.TrimSpace(c)
	}

	return cfg
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Info("starting batch generator",
		"rate", cfg.Rate,
		"duration", cfg.Duration,
		"chains", cfg.Chains,
		"burst_mode", cfg.BurstMode,
		"nats_url", cfg.NATSUrl,
	)

	nc, err := nats.Connect(cfg.NATSUrl,
		nats.Name("creditflow-load-generator"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return fmt.Errorf("NATS connect failed: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("JetStream context failed: %w", err)
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		streamCfg := jetstream.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{cfg.SubjectBase + ".>"},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			MaxBytes:  10 * 1024 * 1024 * 1024,
			Replicas:  1,
		}
		stream, err = js.CreateOrUpdateStream(ctx, streamCfg)
		if err != nil {
			return fmt.Errorf("stream create/update failed: %w", err)
		}
		logger.Info("stream created/updated", "name", cfg.StreamName)
	}

	info, _ := stream.Info(ctx)
	logger.Info("connected to stream",
		"stream", info.Config.Name,
		"subjects", info.Config.Subjects,
	)

	metrics := &Metrics{}
	go reportMetrics(ctx, metrics, logger)

	// One worker per chain keeps each chain's batches strictly ordered;
	// the indexer rejects height gaps so batches must publish in sequence.
	var wg sync.WaitGroup
	for _, chain := range cfg.Chains {
		wg.Add(1)
		go func(chain string) {
			defer wg.Done()
			chainWorker(ctx, js, cfg, chain, metrics, logger)
		}(chain)
	}
	wg.Wait()

	logger.Info("generation complete",
		"published", metrics.Published.Load(),
		"errors", metrics.Errors.Load(),
		"bytes_sent", metrics.BytesSent.Load(),
	)

	return nil
}

func chainWorker(ctx context.Context, js jetstream.JetStream, cfg Config, chain string, metrics *Metrics, logger *slog.Logger) {
	endTime := time.Now().Add(cfg.Duration)
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Rate))
	defer ticker.Stop()

	burstTicker := time.NewTicker(cfg.BurstPeriod)
	defer burstTicker.Stop()

	inBurst := false
	burstEnd := time.Time{}
	height := 18000000 + uint64(rand.Intn(1000000))
	subject := cfg.SubjectBase + "." + chain

	for {
		select {
		case <-ctx.Done():
			return

		case <-burstTicker.C:
			if cfg.BurstMode && !inBurst {
				inBurst = true
				burstEnd = time.Now().Add(5 * time.Second)
				logger.Info("burst started", "chain", chain, "ratio", cfg.BurstRatio)
			}

		case <-ticker.C:
			if time.Now().After(endTime) {
				return
			}
			if inBurst && time.Now().After(burstEnd) {
				inBurst = false
				logger.Info("burst ended", "chain", chain)
			}

			count := 1
			if inBurst {
				count = int(cfg.BurstRatio)
			}

			for i := 0; i < count; i++ {
				b := generateBatch(chain, height, cfg.BlocksPerBatch, cfg.LogsPerBlock)
				height += uint64(cfg.BlocksPerBatch)

				data, err := json.Marshal(b)
				if err != nil {
					metrics.Errors.Add(1)
					continue
				}

				if _, err := js.Publish(ctx, subject, data); err != nil {
					metrics.Errors.Add(1)
					if ctx.Err() == nil {
						logger.Warn("publish failed", "chain", chain, "error", err)
					}
					continue
				}
				metrics.Published.Add(1)
				metrics.BytesSent.Add(int64(len(data)))
			}
		}
	}
}

// generateBatch emits blocks whose transactions resemble real credit
// activity: a user-to-system transfer plus a credit_used event in the same
// tx, with occasional DAO fee legs and bridge orders mixed in.
func generateBatch(chain string, fromHeight uint64, blocks, logsPerBlock int) *batch {
	now := time.Now().UTC()
	b := &batch{Chain: chain, Blocks: make([]block, 0, blocks)}

	for i := 0; i < blocks; i++ {
		h := fromHeight + uint64(i)
		blk := block{
			Height:    h,
			Hash:      randomHex(64),
			Timestamp: now,
		}

		txCount := 1 + rand.Intn(logsPerBlock/2+1)
		var logIndex uint32
		for t := 0; t < txCount; t++ {
			txHash := randomHex(64)
			user := randomHex(40)
			system := systemAddresses[rand.Intn(len(systemAddresses))]
			amount := uint64(1+rand.Intn(1000)) * 1e6

			blk.Logs = append(blk.Logs, logEntry{
				Kind: "transfer", TxHash: txHash, LogIndex: logIndex,
				Transfer: &transferPayload{From: user, To: system, Amount: amount},
			})
			logIndex++

			if rand.Intn(4) == 0 {
				fee := amount / 10
				blk.Logs = append(blk.Logs, logEntry{
					Kind: "transfer", TxHash: txHash, LogIndex: logIndex,
					Transfer: &transferPayload{From: user, To: daoAddress, Amount: fee},
				})
				logIndex++
				amount += fee
			}

			blk.Logs = append(blk.Logs, logEntry{
				Kind: "credit_used", TxHash: txHash, LogIndex: logIndex,
				CreditUsed: &creditUsedPayload{
					CreditID:    randomHex(64),
					Beneficiary: user,
					Contract:    system,
					Amount:      amount,
				},
			})
			logIndex++

			if rand.Intn(10) == 0 {
				blk.Logs = append(blk.Logs, logEntry{
					Kind: "order_created", TxHash: txHash, LogIndex: logIndex,
					OrderCreated: &orderCreatedPayload{
						OrderHash:  randomHex(64),
						From:       user,
						To:         randomHex(40),
						Filler:     randomHex(40),
						FromToken:  randomHex(40),
						ToToken:    randomHex(40),
						FromAmount: amount,
						FillAmount: amount - amount/100,
						FeeRate:    100,
						FromChain:  137,
						ToChain:    1,
					},
				})
				logIndex++
			}
		}

		b.Blocks = append(b.Blocks, blk)
	}

	return b
}

func reportMetrics(ctx context.Context, metrics *Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastPublished int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			published := metrics.Published.Load()
			rate := (published - lastPublished) / 5
			lastPublished = published

			logger.Info("metrics",
				"published", published,
				"rate_per_sec", rate,
				"errors", metrics.Errors.Load(),
				"bytes_sent_mb", metrics.BytesSent.Load()/(1024*1024),
			)
		}
	}
}

func randomHex(length int) string {
	const chars = "0123456789abcdef"
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return "0x" + string(b)
}
