package live

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults.
const (
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultMaxRetries    = 3
)

// RetryDialer redials failed connections with exponential backoff. Only
// retryable ConnectionErrors are retried; anything else is returned at once.
type RetryDialer struct {
	Dialer Dialer

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	// MaxRetries is the number of redials after the first attempt.
	MaxRetries uint64

	Logger *slog.Logger
}

// NewRetryDialer wraps d with the default backoff.
func NewRetryDialer(d Dialer, logger *slog.Logger) *RetryDialer {
	return &RetryDialer{
		Dialer:          d,
		InitialInterval: DefaultRetryInterval,
		MaxRetries:      DefaultMaxRetries,
		Logger:          logger,
	}
}

// Connect implements Dialer.
func (r *RetryDialer) Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx)

	var (
		sess    Session
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		s, err := r.Dialer.Connect(ctx, cfg, cb)
		if err == nil {
			sess = s
			return nil
		}
		var ce *ConnectionError
		if errors.As(err, &ce) && ce.IsRetryable() {
			logger.Warn("live dial failed, retrying", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return nil, err
	}
	if attempt > 1 {
		logger.Info("live dial succeeded", "attempts", attempt)
	}
	return sess, nil
}
