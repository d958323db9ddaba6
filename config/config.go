// Package config loads environment variables and provides a typed Config used across the service.
// Optional knobs fall back to defaults suited to a single-process fleet; the storage URL and the
// Helix client id are required and checked by Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxSessionCapacity bounds CHANNELS_PER_SESSION; Twitch starts dropping JOINs for a single
// anonymous connection well before this.
const MaxSessionCapacity = 100

type Config struct {
	// Storage
	DatabaseURL string

	// Discovery
	TwitchClientID string
	HelixBaseURL   string
	HelixTimeout   time.Duration

	// Fleet
	TopChannels        int
	ChannelsPerSession int
	ReconcileInterval  time.Duration
	JoinTimeout        time.Duration
	JoinRatePerSec     float64
	JoinBurst          int
	IRCAddress         string
	StartupTimeout     time.Duration

	// Ingestion
	BatchSize     int
	QueueSize     int
	SubmitTimeout time.Duration
	FlushTimeout  time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Malformed values are reported; missing
// required values are not, so callers decide when to call Validate.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TwitchClientID: strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID")),
		HelixBaseURL:   os.Getenv("HELIX_BASE_URL"),
		IRCAddress:     os.Getenv("IRC_ADDRESS"),
		HTTPAddr:       os.Getenv("HTTP_ADDR"),
	}
	if cfg.HelixBaseURL == "" {
		cfg.HelixBaseURL = "https://api.twitch.tv/helix"
	}
	if cfg.IRCAddress == "" {
		cfg.IRCAddress = "irc.chat.twitch.tv:6697"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	var errs []error
	intVar := func(dst *int, key string, def int) {
		*dst = def
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durVar := func(dst *time.Duration, key string, def time.Duration) {
		*dst = def
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	intVar(&cfg.TopChannels, "TOP_CHANNELS", 1000)
	intVar(&cfg.ChannelsPerSession, "CHANNELS_PER_SESSION", 30)
	intVar(&cfg.JoinBurst, "JOIN_BURST", 20)
	intVar(&cfg.BatchSize, "BATCH_SIZE", 1024)
	intVar(&cfg.QueueSize, "QUEUE_SIZE", 8192)
	durVar(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", 30*time.Second)
	durVar(&cfg.JoinTimeout, "JOIN_TIMEOUT", 10*time.Second)
	durVar(&cfg.StartupTimeout, "STARTUP_TIMEOUT", 30*time.Second)
	durVar(&cfg.SubmitTimeout, "SUBMIT_TIMEOUT", 5*time.Second)
	durVar(&cfg.FlushTimeout, "FLUSH_TIMEOUT", 10*time.Second)
	durVar(&cfg.HelixTimeout, "HELIX_TIMEOUT", 10*time.Second)

	cfg.JoinRatePerSec = 2
	if v := os.Getenv("JOIN_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid JOIN_RATE_PER_SEC: %w", err))
		} else {
			cfg.JoinRatePerSec = f
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges. Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing DATABASE_URL"))
	}
	if c.TwitchClientID == "" {
		errs = append(errs, errors.New("missing TWITCH_CLIENT_ID"))
	}
	if c.TopChannels <= 0 {
		errs = append(errs, errors.New("TOP_CHANNELS must be greater than zero"))
	}
	if c.ChannelsPerSession <= 0 || c.ChannelsPerSession > MaxSessionCapacity {
		errs = append(errs, fmt.Errorf("CHANNELS_PER_SESSION must be between 1 and %d", MaxSessionCapacity))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be greater than zero"))
	}
	if c.JoinTimeout <= 0 {
		errs = append(errs, errors.New("JOIN_TIMEOUT must be greater than zero"))
	}
	if c.JoinRatePerSec <= 0 || c.JoinBurst <= 0 {
		errs = append(errs, errors.New("JOIN_RATE_PER_SEC and JOIN_BURST must be greater than zero"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be greater than zero"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("QUEUE_SIZE must be greater than zero"))
	}
	if c.SubmitTimeout <= 0 || c.FlushTimeout <= 0 {
		errs = append(errs, errors.New("SUBMIT_TIMEOUT and FLUSH_TIMEOUT must be greater than zero"))
	}
	return errors.Join(errs...)
}

// Sessions returns the fixed fleet size: enough sessions to hold TopChannels at ChannelsPerSession each.
func (c *Config) Sessions() int {
	if c.ChannelsPerSession <= 0 {
		return 0
	}
	return (c.TopChannels + c.ChannelsPerSession - 1) / c.ChannelsPerSession
}
