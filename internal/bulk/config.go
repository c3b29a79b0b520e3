package bulk

import (
	"runtime"
	"time"

	"ingest/internal/quorum"
)

const (
	// DefaultMaxActions is the default number of operations per batch.
	DefaultMaxActions = 1000
	// DefaultMaxVolume is the default estimated batch size in bytes.
	DefaultMaxVolume = 10 * 1024 * 1024
	// DefaultFlushInterval is the default maximum age of an open batch.
	DefaultFlushInterval = 30 * time.Second

	maxActionsLimit     = 32768
	minVolume           = 1024
	maxConcurrencyLimit = 256
)

// Config holds the batching and dispatch limits of a Client.
type Config struct {
	// MaxActionsPerBatch seals a batch once it holds this many operations.
	MaxActionsPerBatch int
	// MaxConcurrentBatches bounds the batches in flight.
	MaxConcurrentBatches int
	// MaxVolumePerBatch seals a batch once its estimated size reaches it.
	MaxVolumePerBatch int64
	// FlushInterval seals a non-empty batch once it is this old.
	FlushInterval time.Duration
	// Consistency is the write consistency every batch requests.
	Consistency quorum.Level
	// Timeout bounds each batch on the server; zero uses the server default.
	Timeout time.Duration
	// BatchesPerSecond throttles dispatch; zero disables throttling.
	BatchesPerSecond float64
}

// DefaultConfig returns the default client limits.
func DefaultConfig() Config {
	return Config{
		MaxActionsPerBatch:   DefaultMaxActions,
		MaxConcurrentBatches: runtime.NumCPU() * 4,
		MaxVolumePerBatch:    DefaultMaxVolume,
		FlushInterval:        DefaultFlushInterval,
		Consistency:          quorum.Default,
	}
}

// normalized clamps the limits into their supported ranges and fills in
// defaults for unset values.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxActionsPerBatch <= 0 {
		c.MaxActionsPerBatch = def.MaxActionsPerBatch
	}
	c.MaxActionsPerBatch = min(c.MaxActionsPerBatch, maxActionsLimit)
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	c.MaxConcurrentBatches = min(c.MaxConcurrentBatches, maxConcurrencyLimit)
	if c.MaxVolumePerBatch <= 0 {
		c.MaxVolumePerBatch = def.MaxVolumePerBatch
	}
	c.MaxVolumePerBatch = max(c.MaxVolumePerBatch, minVolume)
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	return c
}
