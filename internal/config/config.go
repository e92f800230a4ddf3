package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds everything the server needs. All ambient state of the payment
// flow (payee address, rate source, poll cadence) lives here explicitly and is
// passed into the engine at construction.
type Config struct {
	// Address is the merchant's Lightning Address (user@domain) or a bech32
	// lnurl string. Every payment attempt resolves it fresh.
	Address string

	// RateBaseURL is the exchange-rate API base, e.g. https://api.yadio.io.
	RateBaseURL string

	// PollInterval is the LUD-21 verify poll cadence.
	PollInterval time.Duration

	// CardPrepDelay is the pause before a tapped card's URL is acted on,
	// giving the terminal UI time to reflect the state change.
	CardPrepDelay time.Duration

	ListenAddr string
	DBPath     string
}

// Load builds a Config from the environment. Flags in cmd/server may
// override individual fields afterwards.
func Load() (*Config, error) {
	cfg := &Config{
		Address:       os.Getenv("SATPOS_ADDRESS"),
		RateBaseURL:   envOr("SATPOS_RATE_URL", "https://api.yadio.io"),
		PollInterval:  envOrDuration("SATPOS_POLL_INTERVAL", 3*time.Second),
		CardPrepDelay: envOrDuration("SATPOS_CARD_DELAY", 500*time.Millisecond),
		ListenAddr:    envOr("SATPOS_ADDR", ":8080"),
		DBPath:        envOr("SATPOS_DB", "satpos.db"),
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("payee Lightning Address is required (SATPOS_ADDRESS or -address)")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
