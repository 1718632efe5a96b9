package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/stormasm/toy-rpc/pubsub"
)

// Config holds all rpcd configuration.
type Config struct {
	// Listeners
	Addr     string // TCP listen address
	HTTPAddr string // HTTP listen address (WebSocket upgrade)
	RPCPath  string // upgrade route path

	// Wire
	Codec string // "json" or "msgpack"

	// Pub/sub
	AckMode          pubsub.AckMode
	AckMaxRetries    int
	AckRetryInterval time.Duration
	MailboxSize      int
	EventChannelSize int

	// NATS bridge (disabled when empty)
	NATSURL string

	// App
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	ackMode, err := pubsub.ParseAckMode(getEnv("RPC_ACK_MODE", "none"))
	if err != nil {
		return nil, err
	}

	retryInterval, err := getEnvDuration("RPC_ACK_RETRY_INTERVAL", pubsub.DefaultRetryInterval)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:             getEnv("RPC_ADDR", ":23333"),
		HTTPAddr:         getEnv("RPC_HTTP_ADDR", ":8080"),
		RPCPath:          getEnv("RPC_PATH", "/_rpc_"),
		Codec:            getEnv("RPC_CODEC", "json"),
		AckMode:          ackMode,
		AckMaxRetries:    getEnvInt("RPC_ACK_MAX_RETRIES", pubsub.DefaultMaxRetries),
		AckRetryInterval: retryInterval,
		MailboxSize:      getEnvInt("RPC_MAILBOX_SIZE", pubsub.DefaultMailboxSize),
		EventChannelSize: getEnvInt("RPC_EVENT_CHANNEL_SIZE", 64),
		NATSURL:          getEnv("RPC_NATS_URL", ""),
		LogLevel:         getEnv("RPC_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" && c.HTTPAddr == "" {
		return fmt.Errorf("at least one of RPC_ADDR and RPC_HTTP_ADDR is required")
	}
	if c.Codec != "json" && c.Codec != "msgpack" {
		return fmt.Errorf("RPC_CODEC must be json or msgpack, got %q", c.Codec)
	}
	if c.AckMaxRetries < 0 {
		return fmt.Errorf("RPC_ACK_MAX_RETRIES must be non-negative")
	}
	if c.MailboxSize < 1 {
		return fmt.Errorf("RPC_MAILBOX_SIZE must be at least 1")
	}
	if c.EventChannelSize < 1 {
		return fmt.Errorf("RPC_EVENT_CHANNEL_SIZE must be at least 1")
	}
	return nil
}

// HubConfig maps the pub/sub settings onto the hub's configuration.
func (c *Config) HubConfig() pubsub.HubConfig {
	return pubsub.HubConfig{
		AckMode:       c.AckMode,
		MaxRetries:    c.AckMaxRetries,
		RetryInterval: c.AckRetryInterval,
		MailboxSize:   c.MailboxSize,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
