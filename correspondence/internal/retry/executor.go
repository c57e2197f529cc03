// Package retry re-runs local atomic units that failed for transient reasons
// such as serialization conflicts, deadlocks or dropped connections.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/jackc/pgx/v5/pgconn"
)

// Config bounds local retries.
type Config struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultConfig is three attempts with short exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Executor runs an operation until it succeeds, fails permanently or the
// attempt budget is spent.
type Executor struct {
	cfg    Config
	logger *logging.Logger
}

func NewExecutor(cfg Config, logger *logging.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Executor{cfg: cfg, logger: logger.WithComponent("retry")}
}

// Execute runs op. Non-transient errors are returned after the first attempt.
// When every attempt fails transiently the last error is returned classified
// as apperr.KindTransient.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.LocalRetries.Inc()
		e.logger.WarnContext(ctx, "transient failure, retrying",
			logging.Attempt(attempt),
			logging.Error(err),
			logging.Duration(wait.Milliseconds()))
	})

	if err != nil && IsTransient(err) && apperr.KindOf(err) == apperr.KindUnknown {
		return apperr.Transient(err, "gave up after %d attempts", attempt)
	}
	return err
}

// Postgres SQLSTATEs worth retrying.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"23505": true, // unique_violation raised by a racing writer
	"57P01": true, // admin_shutdown
}

// IsTransient reports whether err may succeed on a retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindTransient:
		return true
	case apperr.KindUnknown:
	default:
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code]
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
