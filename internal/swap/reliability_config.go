package swap

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReliabilityConfig tunes the ledger collaborator's retry, breaker and rate
// limit. Loaded from env by the binary; only used when all LEDGER_* vars are
// set.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadReliabilityConfigFromEnv reads the LEDGER_* reliability settings.
func LoadReliabilityConfigFromEnv() (ReliabilityConfig, error) {
	cfg := ReliabilityConfig{}
	var err error

	if cfg.RetryMaxAttempts, err = parseRequiredInt("LEDGER_RETRY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseRequiredDuration("LEDGER_RETRY_BASE_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseRequiredDuration("LEDGER_RETRY_MAX_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseRequiredInt("LEDGER_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseRequiredDuration("LEDGER_BREAKER_RESET_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseRequiredDuration("LEDGER_RATE_LIMIT_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseRequiredInt("LEDGER_RATE_LIMIT_BURST"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// RetryPolicy builds the policy described by the config.
func (c ReliabilityConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

func parseRequiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseRequiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
