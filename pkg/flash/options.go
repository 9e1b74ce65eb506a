package flash

import (
	"io"
	"log/slog"
	"time"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
)

// Recorder observes flash runs. internal/metrics provides the Prometheus
// implementation.
type Recorder interface {
	PageErased(bytes int)
	ChunkWritten(bytes int)
	ChunkVerified(bytes int)
	RunFinished(res Result)
}

type nopRecorder struct{}

func (nopRecorder) PageErased(int)     {}
func (nopRecorder) ChunkWritten(int)   {}
func (nopRecorder) ChunkVerified(int)  {}
func (nopRecorder) RunFinished(Result) {}

// Config holds the orchestrator configuration.
type Config struct {
	Logger *slog.Logger

	// Phase ceilings. Exceeding one fails the run with ErrPhaseTimeout.
	EraseTimeout   time.Duration
	ProgramTimeout time.Duration
	VerifyTimeout  time.Duration

	// ProgressBuffer is the capacity of the progress channel. When full the
	// oldest snapshot is dropped.
	ProgressBuffer int

	DriverOptions []dfu.Option
	Recorder      Recorder
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		EraseTimeout:   10 * time.Minute,
		ProgramTimeout: 10 * time.Minute,
		VerifyTimeout:  10 * time.Minute,
		ProgressBuffer: 16,
		Recorder:       nopRecorder{},
	}
}

// Option configures an Orchestrator.
type Option func(*Config)

// WithLogger sets the logger; every run logs with its run ID attached.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithPhaseTimeouts sets the ceilings of the erase, program and verify
// phases. Zero leaves a ceiling unchanged.
func WithPhaseTimeouts(erase, program, verify time.Duration) Option {
	return func(c *Config) {
		if erase > 0 {
			c.EraseTimeout = erase
		}
		if program > 0 {
			c.ProgramTimeout = program
		}
		if verify > 0 {
			c.VerifyTimeout = verify
		}
	}
}

// WithProgressBuffer sets the capacity of the progress channel.
func WithProgressBuffer(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ProgressBuffer = n
		}
	}
}

// WithDriverOptions passes options to the DFU driver of every run.
func WithDriverOptions(opts ...dfu.Option) Option {
	return func(c *Config) {
		c.DriverOptions = append(c.DriverOptions, opts...)
	}
}

// WithRecorder sets the run observer.
func WithRecorder(r Recorder) Option {
	return func(c *Config) {
		if r != nil {
			c.Recorder = r
		}
	}
}
