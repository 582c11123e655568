package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manaops/creditflow/internal/bridge"
	"github.com/manaops/creditflow/internal/notify"
)

// Config holds the indexer configuration loaded from file and flags.
type Config struct {
	// Chain identifier the indexer correlates (polygon, ethereum, ...)
	Chain string `yaml:"chain"`

	// Address roles for transfer classification
	Addresses AddressConfig `yaml:"addresses"`

	// Chat notification settings
	Notify NotifyConfig `yaml:"notify"`

	// Cross-chain order polling settings
	Bridge BridgeConfig `yaml:"bridge"`

	// Optional Redis dedup cache
	Cache CacheConfig `yaml:"cache"`
}

// AddressConfig names the address roles of the credit system.
type AddressConfig struct {
	// Contracts treated as the credit system's own addresses
	System []string `yaml:"system"`

	// DAO fee collector address
	DAO string `yaml:"dao"`
}

// NotifyConfig holds chat delivery settings. The token comes from the
// CHAT_TOKEN environment variable, never from the file.
type NotifyConfig struct {
	Enabled            bool          `yaml:"enabled"`
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	ConsumptionChannel string        `yaml:"consumption_channel"`
	BridgeChannel      string        `yaml:"bridge_channel"`
}

// BridgeConfig holds order status polling settings.
type BridgeConfig struct {
	Status       bridge.StatusConfig `yaml:"status"`
	PollInterval time.Duration       `yaml:"poll_interval"`
	MaxAttempts  int                 `yaml:"max_attempts"`
}

// CacheConfig holds the optional Redis seen-id cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	TTL     time.Duration `yaml:"ttl"`
}

// LoadConfig loads configuration from a file, applying defaults first.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Chain: "polygon",
		Notify: NotifyConfig{
			Timeout:            10 * time.Second,
			ConsumptionChannel: "credits",
			BridgeChannel:      "bridge-orders",
		},
		Bridge: BridgeConfig{
			Status:       bridge.DefaultStatusConfig(),
			PollInterval: 30 * time.Second,
			MaxAttempts:  30,
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if len(cfg.Addresses.System) == 0 {
		return nil, fmt.Errorf("addresses.system must name at least one address")
	}
	if cfg.Addresses.DAO == "" {
		return nil, fmt.Errorf("addresses.dao is required")
	}

	return cfg, nil
}

// notifier builds the chat client, or the disabled stand-in.
func (c *Config) notifier() (notify.Notifier, error) {
	if !c.Notify.Enabled {
		return notify.Disabled{}, nil
	}
	return notify.NewChatClient(notify.Config{
		BaseURL: c.Notify.BaseURL,
		Token:   os.Getenv("CHAT_TOKEN"),
		Timeout: c.Notify.Timeout,
	})
}
