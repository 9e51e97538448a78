package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DurabilityLevel represents the level of durability guarantee
type DurabilityLevel int

const (
	DurabilityNone DurabilityLevel = iota // No WAL; state reaches disk only at checkpoints
	DurabilityOS                          // WAL written to the OS page cache (default)
	DurabilityFull                        // WAL fsynced after every record
)

func (d DurabilityLevel) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityOS:
		return "os"
	case DurabilityFull:
		return "full"
	}
	return fmt.Sprintf("DurabilityLevel(%d)", int(d))
}

// ParseDurability maps a config value to a DurabilityLevel.
func ParseDurability(s string) (DurabilityLevel, error) {
	switch s {
	case "none":
		return DurabilityNone, nil
	case "", "os":
		return DurabilityOS, nil
	case "full":
		return DurabilityFull, nil
	}
	return 0, fmt.Errorf("unknown durability level %q", s)
}

// Option configures the Engine
type Option func(*Engine)

// WithDurability sets the durability guarantee level
func WithDurability(level DurabilityLevel) Option {
	return func(engine *Engine) {
		engine.durability = level
	}
}

// WithCheckpointInterval sets how often dirty tenants are checkpointed. Zero disables
// background checkpoints; tenants are still checkpointed when closed.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(engine *Engine) {
		engine.checkpointInterval = interval
	}
}

// WithMaxWALSize forces a checkpoint once a tenant's WAL grows past size bytes.
func WithMaxWALSize(size int64) Option {
	return func(engine *Engine) {
		engine.maxWALSize = size
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(engine *Engine) {
		engine.logger = logger
	}
}
