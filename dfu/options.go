package dfu

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultChunkSize is the DNLOAD/UPLOAD payload size of the STM32 system
	// bootloader. It is used when neither the device nor WithChunkSize
	// provide one.
	DefaultChunkSize = 2048

	DefaultMaxClearAttempts = 16
	DefaultClearTimeout     = 5 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds the settings shared by Link and Programmer.
type Config struct {
	// ChunkSize 0 uses the transfer size reported by the device.
	ChunkSize     int
	FullChipErase bool

	// MaxClearAttempts and ClearTimeout bound ClearStatusUntilIdle.
	MaxClearAttempts int
	ClearTimeout     time.Duration

	Logger   log.FieldLogger
	Progress ProgressCallback
	Sleep    Sleeper
}

func defaultConfig() Config {
	return Config{
		MaxClearAttempts: DefaultMaxClearAttempts,
		ClearTimeout:     DefaultClearTimeout,
		Logger:           log.StandardLogger(),
		Sleep:            sleepContext,
	}
}

type Option func(*Config)

// WithChunkSize sets the payload size of a single DNLOAD or UPLOAD. Sizes
// outside 1..65535 are ignored. Program and ReadMemory fail with
// ErrTransferSize if the device reports a different transfer size.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= 0xffff {
			c.ChunkSize = size
		}
	}
}

// WithFullChipErase replaces the page-wise erase with a single chip erase.
func WithFullChipErase(full bool) Option {
	return func(c *Config) {
		c.FullChipErase = full
	}
}

func WithMaxClearAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxClearAttempts = n
		}
	}
}

func WithClearTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ClearTimeout = d
		}
	}
}

func WithLogger(l log.FieldLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithSleeper replaces the wait used for device poll timeouts.
func WithSleeper(s Sleeper) Option {
	return func(c *Config) {
		if s != nil {
			c.Sleep = s
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
