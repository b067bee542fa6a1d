package resilience

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

type RetryConfig struct {
	MaxRetries int // total attempts, including the first
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

// Delay returns min(BaseDelay * Multiplier^attempt, MaxDelay); attempt is zero-based.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Retrier runs an operation with exponential backoff. Non-retryable and
// circuit-open errors are returned on the spot.
type Retrier struct {
	cfg   RetryConfig
	log   *zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrier(cfg RetryConfig, logger *zerolog.Logger) *Retrier {
	def := DefaultRetryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Retrier{cfg: cfg, log: logger, sleep: sleepCtx}
}

// WithSleep swaps the wait function. Tests pass a recorder that returns immediately.
func (r *Retrier) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Retrier {
	r.sleep = fn
	return r
}

func (r *Retrier) Config() RetryConfig { return r.cfg }

// Do calls op until it succeeds, fails with a non-retryable error, or runs out
// of attempts. The last error is returned.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return err
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		class := Classify(err)
		if class != Retryable {
			r.log.Debug().Err(err).Str("op", name).Str("class", class.String()).Int("attempt", attempt+1).Msg("not retrying")
			return err
		}
		if attempt == r.cfg.MaxRetries-1 {
			break
		}
		d := r.cfg.Delay(attempt)
		r.log.Warn().Err(err).Str("op", name).Int("attempt", attempt+1).Dur("backoff", d).Msg("retrying")
		if serr := r.sleep(ctx, d); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
