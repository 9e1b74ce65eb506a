package dfu

import (
	"io"
	"log/slog"
	"time"
)

// Config holds the driver configuration.
type Config struct {
	// TransferTimeout bounds every single control transfer.
	TransferTimeout time.Duration

	// OperationTimeout bounds one command from request to completion,
	// including all status polls.
	OperationTimeout time.Duration

	// StatusRetries is how many failed GETSTATUS requests are tolerated
	// while polling. Some devices report a bwPollTimeout that is too short.
	StatusRetries int

	// RetryInterval is the wait between failed GETSTATUS requests when the
	// device asked for no wait at all.
	RetryInterval time.Duration

	// IdleAttempts bounds the abort/clear loop of EnsureIdle.
	IdleAttempts int

	Logger *slog.Logger
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		TransferTimeout:  5 * time.Second,
		OperationTimeout: 30 * time.Second,
		StatusRetries:    5,
		RetryInterval:    10 * time.Millisecond,
		IdleAttempts:     8,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures a Driver.
type Option func(*Config)

// WithTransferTimeout sets the per-transfer timeout.
func WithTransferTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.TransferTimeout = timeout
		}
	}
}

// WithOperationTimeout sets the ceiling for one erase, write or
// manifestation, polls included.
//
// Example:
//
//	drv := dfu.NewDriver(t, 0, 2048, dfu.WithOperationTimeout(time.Minute))
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.OperationTimeout = timeout
		}
	}
}

// WithStatusRetries sets how many failed status requests are retried.
func WithStatusRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.StatusRetries = retries
		}
	}
}

// WithRetryInterval sets the wait between failed status requests.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.RetryInterval = d
		}
	}
}

// WithLogger sets the logger. A nil logger keeps the default, which
// discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
