// Package config holds the tunables of the collector core.
//
// Settings come from code (Default plus field overrides) or from the
// ZMARK_OPTIONS environment variable, a space separated list of key=value
// pairs in the style of GORACE:
//
//	ZMARK_OPTIONS="workers=8 verify=1 buffer_stores=0 log=debug"
//
// Every constructor that accepts a Config normalizes it first, so zero
// values fall back to defaults.
package config

import (
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"strconv"
	"strings"
)

// EnvVar is the environment variable read by FromEnv.
const EnvVar = "ZMARK_OPTIONS"

// MaxStripesLimit is the largest supported stripe count.
const MaxStripesLimit = 16

// WeakPolicy decides what a weak or phantom load returns for a referent
// whose liveness is not proven while resurrection is blocked.
type WeakPolicy uint8

const (
	// WeakPolicyGenerational nulls unproven old referents and keeps young
	// referents alive through the young marker.
	WeakPolicyGenerational WeakPolicy = iota

	// WeakPolicyStrict decides every referent from the mark state of the
	// generation that owns it and never keeps one alive.
	WeakPolicyStrict
)

// String returns the option spelling of p.
func (p WeakPolicy) String() string {
	switch p {
	case WeakPolicyGenerational:
		return "generational"
	case WeakPolicyStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Config configures the marker, barriers and stack processing.
type Config struct {
	// Workers is the number of GC worker threads.
	// Default: 4.
	Workers int

	// MaxStripes caps the number of mark stripes. Must be a power of two
	// no larger than MaxStripesLimit.
	// Default: 16.
	MaxStripes int

	// PartialArrayMinSizeShift is log2 of the smallest partial array chunk
	// in bytes. Arrays larger than this are split while being followed.
	// Default: 12 (4K, 512 elements).
	PartialArrayMinSizeShift uint

	// ProactiveFlushMax limits how many proactive flushes worker 0 may
	// request during one mark round.
	// Default: 10.
	ProactiveFlushMax uint64

	// MarkStackSpaceLimit is the maximum number of bytes the mark stack
	// allocator may commit. Exceeding it is fatal.
	// Default: 64M.
	MarkStackSpaceLimit int64

	// StoreBufferEntries is the capacity of the per-thread store barrier
	// buffer.
	// Default: 32.
	StoreBufferEntries int

	// BufferStoreBarriers defers store barrier marking into the per-thread
	// buffer instead of doing it synchronously.
	// Default: true.
	BufferStoreBarriers bool

	// StringDedup queues strings found while marking for deduplication.
	// Default: false.
	StringDedup bool

	// Verify enables invariant checks (assertions, empty stack checks at
	// mark start and end).
	// Default: false.
	Verify bool

	// FramesPerYield is the number of barrier frames a full stack scan
	// processes before briefly releasing the watermark lock.
	// Default: 5.
	FramesPerYield int

	// WeakPolicy selects how unproven weak referents are treated.
	// Default: WeakPolicyGenerational.
	WeakPolicy WeakPolicy

	// LogLevel is the minimum level of collector log records.
	// Default: slog.LevelWarn.
	LogLevel slog.Level

	// set records which boolean fields were given explicitly, so that
	// Normalize does not override an explicit false with a default true.
	set map[string]bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Workers:                  4,
		MaxStripes:               MaxStripesLimit,
		PartialArrayMinSizeShift: 12,
		ProactiveFlushMax:        10,
		MarkStackSpaceLimit:      64 << 20,
		StoreBufferEntries:       32,
		BufferStoreBarriers:      true,
		FramesPerYield:           5,
		WeakPolicy:               WeakPolicyGenerational,
		LogLevel:                 slog.LevelWarn,
	}
}

// Normalize fills zero fields with defaults and clamps out-of-range values.
func (c Config) Normalize() Config {
	d := Default()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxStripes <= 0 || c.MaxStripes > MaxStripesLimit {
		c.MaxStripes = d.MaxStripes
	}
	// Round down to a power of two.
	c.MaxStripes = 1 << (bits.Len(uint(c.MaxStripes)) - 1)
	if c.PartialArrayMinSizeShift < 3 {
		c.PartialArrayMinSizeShift = d.PartialArrayMinSizeShift
	}
	if c.ProactiveFlushMax == 0 && !c.set["proactive_flush_max"] {
		c.ProactiveFlushMax = d.ProactiveFlushMax
	}
	if c.MarkStackSpaceLimit <= 0 {
		c.MarkStackSpaceLimit = d.MarkStackSpaceLimit
	}
	if c.StoreBufferEntries <= 0 {
		c.StoreBufferEntries = d.StoreBufferEntries
	}
	if c.FramesPerYield <= 0 {
		c.FramesPerYield = d.FramesPerYield
	}
	return c
}

// PartialArrayMinSize returns the minimum partial array chunk in bytes.
func (c Config) PartialArrayMinSize() uintptr {
	return 1 << c.PartialArrayMinSizeShift
}

// FromEnv parses EnvVar on top of Default.
func FromEnv() (Config, error) {
	return Parse(os.Getenv(EnvVar))
}

// Parse parses a space separated key=value option list on top of Default.
//
// Recognized keys: workers, max_stripes, partial_array_shift,
// proactive_flush_max, mark_stack_limit, store_buffer, buffer_stores,
// string_dedup, verify, frames_per_yield, weak_policy, log.
func Parse(s string) (Config, error) {
	c := Default()
	c.set = make(map[string]bool)

	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return c, fmt.Errorf("config: option %q is not key=value", field)
		}
		if err := c.apply(key, value); err != nil {
			return c, fmt.Errorf("config: option %q: %w", key, err)
		}
		c.set[key] = true
	}
	return c.Normalize(), nil
}

func (c *Config) apply(key, value string) error {
	var err error
	switch key {
	case "workers":
		c.Workers, err = strconv.Atoi(value)
	case "max_stripes":
		c.MaxStripes, err = strconv.Atoi(value)
	case "partial_array_shift":
		var v uint64
		v, err = strconv.ParseUint(value, 10, 8)
		c.PartialArrayMinSizeShift = uint(v)
	case "proactive_flush_max":
		c.ProactiveFlushMax, err = strconv.ParseUint(value, 10, 64)
	case "mark_stack_limit":
		c.MarkStackSpaceLimit, err = parseSize(value)
	case "store_buffer":
		c.StoreBufferEntries, err = strconv.Atoi(value)
	case "buffer_stores":
		c.BufferStoreBarriers, err = parseBool(value)
	case "string_dedup":
		c.StringDedup, err = parseBool(value)
	case "verify":
		c.Verify, err = parseBool(value)
	case "frames_per_yield":
		c.FramesPerYield, err = strconv.Atoi(value)
	case "weak_policy":
		switch value {
		case "generational":
			c.WeakPolicy = WeakPolicyGenerational
		case "strict":
			c.WeakPolicy = WeakPolicyStrict
		default:
			err = fmt.Errorf("unknown policy %q", value)
		}
	case "log":
		err = c.LogLevel.UnmarshalText([]byte(value))
	default:
		err = fmt.Errorf("unknown option")
	}
	return err
}

func parseBool(s string) (bool, error) {
	switch s {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// parseSize accepts a byte count with an optional K, M or G suffix.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
