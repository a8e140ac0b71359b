package kegdb

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// SyncKind selects how the engine pushes writes to stable storage.
// See Config.Sync.
type SyncKind int8

const (
	// SyncNever relies on the OS to flush its page cache on its own
	// schedule. This is the default; it's the fastest and least durable
	// option.
	SyncNever SyncKind = iota
	// SyncEveryWrite fsyncs the active segment after every put/delete.
	SyncEveryWrite
	// SyncInterval fsyncs the active segment on a fixed background
	// schedule instead of after every write.
	SyncInterval
)

// SyncPolicy controls write durability. The zero value is SyncNever.
type SyncPolicy struct {
	Kind     SyncKind
	Interval time.Duration // only meaningful when Kind == SyncInterval
}

// MergeTriggers decides whether the background task should attempt a merge
// at all: it looks at every segment's statistics and fires if any one of
// them crosses a trigger.
type MergeTriggers struct {
	Fragmentation float64
	DeadBytes     int64
}

// MergeThresholds decides, once a merge is triggered, which segments are
// included in it.
type MergeThresholds struct {
	Fragmentation float64
	DeadBytes     int64
	SmallFile     int64
}

// MergeConfig groups every merge-related knob.
type MergeConfig struct {
	Enable        bool
	WindowStart   time.Duration // offset since midnight, inclusive
	WindowEnd     time.Duration // offset since midnight, exclusive
	Triggers      MergeTriggers
	Thresholds    MergeThresholds
	CheckInterval time.Duration
	CheckJitter   float64
}

// Config holds every configurable parameter of the engine. Use DefaultConfig
// plus Option functions to build one.
type Config struct {
	Concurrency int
	MaxFileSize int64
	Sync        SyncPolicy
	Merge       MergeConfig
	Logger      *zap.SugaredLogger
}

// DefaultConfig returns the engine's default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: runtime.NumCPU(),
		MaxFileSize: 2 * 1024 * 1024 * 1024, // 2 GiB
		Sync:        SyncPolicy{Kind: SyncNever},
		Merge: MergeConfig{
			Enable:      true,
			WindowStart: 0,
			WindowEnd:   24 * time.Hour,
			Triggers: MergeTriggers{
				Fragmentation: 0.6,
				DeadBytes:     512 * 1024 * 1024,
			},
			Thresholds: MergeThresholds{
				Fragmentation: 0.4,
				DeadBytes:     128 * 1024 * 1024,
				SmallFile:     10 * 1024 * 1024,
			},
			CheckInterval: 3 * time.Minute,
			CheckJitter:   0.3,
		},
		Logger: zap.NewNop().Sugar(),
	}
}

// Option mutates a Config in place. Options are applied in order over
// DefaultConfig's result.
type Option func(*Config)

// WithConcurrency sets the number of reader contexts in the pool. Values
// less than 1 are clamped to 1.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		if n < 1 {
			n = 1
		}
		c.Concurrency = n
	}
}

// WithMaxFileSize sets the segment rollover threshold in bytes.
func WithMaxFileSize(n int64) Option {
	return func(c *Config) { c.MaxFileSize = n }
}

// WithSync sets the durability policy.
func WithSync(policy SyncPolicy) Option {
	return func(c *Config) { c.Sync = policy }
}

// WithMergeEnabled toggles the background merge task.
func WithMergeEnabled(b bool) Option {
	return func(c *Config) { c.Merge.Enable = b }
}

// WithMergeWindow restricts merges to the half-open window
// [start, end) expressed as an offset since local midnight.
func WithMergeWindow(start, end time.Duration) Option {
	return func(c *Config) {
		c.Merge.WindowStart = start
		c.Merge.WindowEnd = end
	}
}

// WithMergeTriggers sets the conditions that cause the background task to
// attempt a merge at all.
func WithMergeTriggers(t MergeTriggers) Option {
	return func(c *Config) { c.Merge.Triggers = t }
}

// WithMergeThresholds sets the per-segment conditions used to select which
// segments a triggered merge includes.
func WithMergeThresholds(t MergeThresholds) Option {
	return func(c *Config) { c.Merge.Thresholds = t }
}

// WithMergeCheckInterval sets how often the background task wakes up to
// check the merge triggers, before jitter is applied.
func WithMergeCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.Merge.CheckInterval = d }
}

// WithMergeCheckJitter sets the fraction of CheckInterval used to widen the
// uniform jitter window around each wakeup.
func WithMergeCheckJitter(f float64) Option {
	return func(c *Config) { c.Merge.CheckJitter = f }
}

// WithLogger sets the structured logger used for warnings and background
// task errors. The default is a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = l }
}
