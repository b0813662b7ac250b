// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Config controls backoff between attempts
type Config struct {
	MaxRetries int           `koanf:"max_retries"` // retries after the first attempt, negative means unbounded
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     bool          `koanf:"jitter"`
}

// Result describes how an operation went
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// DefaultConfig is used for backend writes
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ReconnectConfig is used for the realtime connection; it never gives up
func ReconnectConfig() Config {
	return Config{
		MaxRetries: -1,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do runs op until it succeeds, retries are exhausted or ctx is done
func Do(ctx context.Context, cfg Config, logger zerolog.Logger, op func(ctx context.Context) error) Result {
	start := time.Now()
	var result Result

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1
		err := op(ctx)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				logger.Debug().Int("attempts", result.Attempts).Dur("took", result.TotalDuration).Msg("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if cfg.MaxRetries >= 0 && attempt >= cfg.MaxRetries {
			result.TotalDuration = time.Since(start)
			logger.Warn().Err(err).Int("attempts", result.Attempts).Msg("Operation failed, giving up")
			return result
		}

		delay := Delay(cfg, attempt)
		logger.Debug().Err(err).Int("attempt", result.Attempts).Dur("backoff", delay).Msg("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}
}

// Delay returns the wait before retry number attempt (0-based):
// BaseDelay * Multiplier^attempt, capped at MaxDelay, with up to 10% jitter.
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		spread := delay * 0.1
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}
