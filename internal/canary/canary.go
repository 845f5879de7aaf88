// Package canary runs every session mechanism on a cron schedule and logs
// one summary per session.
package canary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
	"github.com/vnykmshr/deferflow/pkg/session"
)

// Runner runs one session. *session.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, m session.Mechanism) (session.Result, error)
}

// Config configures a Canary.
type Config struct {
	// Schedule is a cron expression with a leading seconds field, or a
	// descriptor such as "@every 1m".
	Schedule string

	Runner Runner

	// Mechanisms to run per round. Default: session.Mechanisms().
	Mechanisms []session.Mechanism

	// Timeout bounds each session. Zero means no bound.
	Timeout time.Duration

	// Logger receives the summaries. Default: disabled.
	Logger *zerolog.Logger
}

// Summary is the outcome of one canary session.
type Summary struct {
	Mechanism   session.Mechanism
	Lines       int
	Bytes       int
	Interrupted bool
	Duration    time.Duration
	Err         error
}

// Canary owns a cron scheduler with a single entry.
type Canary struct {
	cron       *cron.Cron
	runner     Runner
	mechanisms []session.Mechanism
	timeout    time.Duration
	logger     zerolog.Logger

	// ctx ends when Stop is called so a running round is interrupted.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rounds int
}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and builds a stopped Canary.
func New(cfg Config) (*Canary, error) {
	if cfg.Runner == nil {
		return nil, gferrors.NewValidationError("canary", "runner", nil, "runner cannot be nil")
	}
	if cfg.Schedule == "" {
		return nil, gferrors.NewValidationError("canary", "schedule", cfg.Schedule, "schedule cannot be empty").
			WithHint("use a six-field cron expression such as \"*/30 * * * * *\"")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, gferrors.NewValidationError("canary", "schedule", cfg.Schedule, err.Error())
	}

	mechanisms := cfg.Mechanisms
	if len(mechanisms) == 0 {
		mechanisms = session.Mechanisms()
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "canary").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Canary{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		runner:     cfg.Runner,
		mechanisms: mechanisms,
		timeout:    cfg.Timeout,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	if _, err := c.cron.AddFunc(cfg.Schedule, func() { c.Round(c.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("add canary schedule: %w", err)
	}
	return c, nil
}

// Start runs the cron scheduler in its own goroutine.
func (c *Canary) Start() {
	c.cron.Start()
	c.logger.Info().Int("mechanisms", len(c.mechanisms)).Msg("canary started")
}

// Stop interrupts a running round and returns a context that is done once
// it has returned.
func (c *Canary) Stop() context.Context {
	c.cancel()
	return c.cron.Stop()
}

// Rounds returns the number of completed rounds.
func (c *Canary) Rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds
}

// Round runs each mechanism once, in order, and logs a summary per session.
func (c *Canary) Round(ctx context.Context) []Summary {
	summaries := make([]Summary, 0, len(c.mechanisms))
	for _, m := range c.mechanisms {
		if gfcontext.IsCanceled(ctx) {
			break
		}
		s := c.runOne(ctx, m)
		c.log(s)
		summaries = append(summaries, s)
	}

	c.mu.Lock()
	c.rounds++
	c.mu.Unlock()

	return summaries
}

func (c *Canary) runOne(ctx context.Context, m session.Mechanism) Summary {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.runner.Run(ctx, m)
	return Summary{
		Mechanism:   m,
		Lines:       res.Lines,
		Bytes:       len(res.Text),
		Interrupted: res.Interrupted,
		Duration:    res.Duration,
		Err:         err,
	}
}

func (c *Canary) log(s Summary) {
	event := c.logger.Info()
	switch {
	case s.Err != nil:
		event = c.logger.Error().Err(s.Err)
	case s.Interrupted:
		event = c.logger.Warn()
	}
	event.Stringer("mechanism", s.Mechanism).
		Int("lines", s.Lines).
		Int("bytes", s.Bytes).
		Bool("interrupted", s.Interrupted).
		Dur("duration", s.Duration).
		Msg("canary session")
}
