package clock

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vnykmshr/deferflow/pkg/common/validation"
)

// DefaultHZ is the tick rate used when none is configured.
const DefaultHZ = 250

// RealConfig configures a Real clock.
type RealConfig struct {
	// HZ is the number of ticks per second. Default: 250.
	HZ int

	// Base is the tick reported at construction time.
	Base uint64

	// Wall supplies wall time and timers. Default: clock.New().
	Wall clock.Clock
}

// Real is a Clock driven by the monotonic wall clock.
type Real struct {
	hz    int
	tick  time.Duration
	base  uint64
	wall  clock.Clock
	start time.Time
}

// NewReal creates a Real clock.
func NewReal(cfg RealConfig) *Real {
	if cfg.HZ <= 0 {
		cfg.HZ = DefaultHZ
	}
	if cfg.Wall == nil {
		cfg.Wall = clock.New()
	}
	return &Real{
		hz:    cfg.HZ,
		tick:  time.Second / time.Duration(cfg.HZ),
		base:  cfg.Base,
		wall:  cfg.Wall,
		start: cfg.Wall.Now(),
	}
}

// NewRealSafe creates a Real clock, rejecting a non-positive HZ.
func NewRealSafe(cfg RealConfig) (*Real, error) {
	if err := validation.ValidateRange("clock", "hz", cfg.HZ, 1, int(time.Second)); err != nil {
		return nil, err
	}
	return NewReal(cfg), nil
}

// HZ returns the configured tick rate.
func (c *Real) HZ() int {
	return c.hz
}

// Now returns the number of ticks elapsed since construction plus Base.
func (c *Real) Now() uint64 {
	return c.base + uint64(c.wall.Since(c.start)/c.tick)
}

// Duration converts a tick count into wall time.
func (c *Real) Duration(ticks uint64) time.Duration {
	return time.Duration(ticks) * c.tick
}

// Ticks converts wall time into a tick count, rounding up.
func (c *Real) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + c.tick - 1) / c.tick)
}

// AfterFunc arms f to run on its own goroutine once ticks have elapsed.
func (c *Real) AfterFunc(ticks uint64, f func()) Timer {
	return c.wall.AfterFunc(c.Duration(ticks), f)
}
