package session

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/deferflow/pkg/clock"
	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
	"github.com/vnykmshr/deferflow/pkg/common/validation"
	"github.com/vnykmshr/deferflow/pkg/guard"
	"github.com/vnykmshr/deferflow/pkg/metrics"
	"github.com/vnykmshr/deferflow/pkg/scheduling/deferred"
	"github.com/vnykmshr/deferflow/pkg/scheduling/scheduler"
	"github.com/vnykmshr/deferflow/pkg/scheduling/tasklet"
	"github.com/vnykmshr/deferflow/pkg/scheduling/timer"
	"github.com/vnykmshr/deferflow/pkg/scheduling/workerpool"
)

// Defaults applied by NewDriver.
const (
	DefaultDelay      = 1
	DefaultMaxTimerNr = 20
)

// Config configures a Driver. Runners left nil are created and owned by
// the driver and released by Close.
type Config struct {
	// Clock supplies ticks. Default: a Real clock at clock.DefaultHZ.
	Clock clock.Clock

	// Limit is the sink threshold in bytes. Default: DefaultLimit.
	Limit int

	// Delay is the delayed-work resubmission delay in ticks. Default: 1.
	Delay uint64

	// TimerTicks is the one-shot timer expiry in ticks. Default: one
	// second's worth of ticks when the clock reports its HZ, else
	// clock.DefaultHZ.
	TimerTicks uint64

	// MaxTimerNr is carried as a configuration surface only. Default: 20.
	MaxTimerNr int

	// Pool runs immediate work and due delayed work.
	Pool workerpool.Pool

	// Scheduler runs delayed work. It must be started.
	Scheduler scheduler.Scheduler

	// Tasklets runs tasklet sessions.
	Tasklets *tasklet.Executor

	// Guard serializes sessions per mechanism. Default: a Local guard.
	Guard guard.Guard

	// Caller is reported for lines emitted by the session caller itself.
	// Default: gfcontext.CurrentProcess().
	Caller *gfcontext.Executor

	// Logger receives one event per session. Default: disabled.
	Logger *zerolog.Logger

	// Metrics records session outcomes. Nil disables collection.
	Metrics *metrics.Registry
}

// Result is the outcome of one session.
type Result struct {
	Mechanism Mechanism

	// Text is the sink content: header plus data lines.
	Text string

	// Lines is the number of data lines emitted.
	Lines int

	// Interrupted is set when the caller's context ended before the
	// session completed. Text then holds the partial output.
	Interrupted bool

	// Completed reports whether the completion flag was observed set.
	Completed bool

	// Resubmissions counts chain resubmissions for work and tasklet sessions.
	Resubmissions int64

	// TimerCanceled reports whether a pending timer expiry was canceled.
	TimerCanceled bool

	// Duration is the wall time spent in Run.
	Duration time.Duration
}

// Driver runs sessions. A Driver is safe for concurrent use; sessions of
// the same mechanism are serialized by the guard.
type Driver struct {
	clock      clock.Clock
	limit      int
	delay      uint64
	timerTicks uint64
	maxTimerNr int
	caller     gfcontext.Executor
	guard      guard.Guard
	logger     zerolog.Logger
	metrics    *metrics.Registry

	workQueue    *deferred.WorkQueue
	delayedQueue *deferred.DelayedQueue
	taskletQueue *deferred.TaskletQueue

	ownPool      workerpool.Pool
	ownScheduler scheduler.Scheduler
	ownTasklets  *tasklet.Executor

	closeOnce sync.Once
	closed    atomic.Bool

	// Test hooks.
	afterArm     func(Mechanism)
	afterSession func(*Record)
}

// NewDriver validates cfg, applies defaults and starts any owned runners.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal(clock.RealConfig{})
	}
	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.TimerTicks == 0 {
		cfg.TimerTicks = clock.DefaultHZ
		if hz, ok := cfg.Clock.(interface{ HZ() int }); ok {
			cfg.TimerTicks = uint64(hz.HZ())
		}
	}
	if cfg.MaxTimerNr == 0 {
		cfg.MaxTimerNr = DefaultMaxTimerNr
	}

	if err := validation.ValidatePositive("session", "limit", cfg.Limit); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegative("session", "max_timer_nr", cfg.MaxTimerNr); err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "session").Logger()
	}

	d := &Driver{
		clock:      cfg.Clock,
		limit:      cfg.Limit,
		delay:      cfg.Delay,
		timerTicks: cfg.TimerTicks,
		maxTimerNr: cfg.MaxTimerNr,
		guard:      cfg.Guard,
		logger:     logger,
		metrics:    cfg.Metrics,
	}

	if cfg.Caller != nil {
		d.caller = *cfg.Caller
	} else {
		d.caller = gfcontext.CurrentProcess()
	}
	if d.guard == nil {
		d.guard = guard.NewLocal()
	}

	pool := cfg.Pool
	if pool == nil {
		pool = workerpool.Instrument(workerpool.NewWithConfig(workerpool.Config{
			Name:           "kworker",
			WorkerCount:    max(2, runtime.NumCPU()),
			QueueSize:      64,
			DiscardResults: true,
			Logger:         cfg.Logger,
		}), cfg.Metrics)
		d.ownPool = pool
	}

	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.NewWithConfig(scheduler.Config{
			Name:       "delayed",
			Clock:      cfg.Clock,
			WorkerPool: pool,
			Logger:     cfg.Logger,
			Metrics:    cfg.Metrics,
		})
		if err := sched.Start(); err != nil {
			d.Close()
			return nil, err
		}
		d.ownScheduler = sched
	}

	tasklets := cfg.Tasklets
	if tasklets == nil {
		tasklets = tasklet.NewExecutor(tasklet.Config{
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		})
		d.ownTasklets = tasklets
	}

	d.workQueue = deferred.NewWorkQueue(pool)
	d.delayedQueue = deferred.NewDelayedQueue(sched, cfg.Delay)
	d.taskletQueue = deferred.NewTaskletQueue(tasklets)

	return d, nil
}

// Limit returns the sink threshold in bytes.
func (d *Driver) Limit() int { return d.limit }

// Delay returns the delayed-work resubmission delay in ticks.
func (d *Driver) Delay() uint64 { return d.delay }

// TimerTicks returns the one-shot timer expiry in ticks.
func (d *Driver) TimerTicks() uint64 { return d.timerTicks }

// MaxTimerNr returns the configured, otherwise unused, timer count.
func (d *Driver) MaxTimerNr() int { return d.maxTimerNr }

// Run executes one session of m and returns its output. An ended ctx
// interrupts the session: everything it armed is torn down before Run
// returns, and the partial result is reported with a nil error.
func (d *Driver) Run(ctx context.Context, m Mechanism) (Result, error) {
	res := Result{Mechanism: m}
	if !m.valid() {
		return res, gferrors.NewValidationError("session", "mechanism", int(m), "unknown mechanism")
	}
	if d.closed.Load() {
		return res, fmt.Errorf("cannot run %s session: %w", m, gferrors.ErrClosed)
	}

	start := time.Now()
	release, err := d.guard.Acquire(ctx, m.EndpointName())
	if d.metrics != nil {
		d.metrics.GuardWaitTime.WithLabelValues(m.String()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if gferrors.IsInterrupted(err) {
			res.Interrupted = true
			res.Duration = time.Since(start)
			d.observe(res, nil)
			return res, nil
		}
		return res, gferrors.NewOperationError("session", "acquire", err).WithContext(m.EndpointName())
	}
	defer release()

	sink := NewSink(d.limit)
	rec := NewRecord(d.clock, sink, d.caller)

	switch m {
	case ImmediateWork:
		err = d.runChain(ctx, &res, rec, d.workQueue)
	case DelayedWork:
		err = d.runChain(ctx, &res, rec, d.delayedQueue)
	case Tasklet:
		err = d.runTasklet(ctx, &res, rec)
	case OneShotTimer:
		err = d.runTimer(ctx, &res, rec)
	}

	rec.Close()
	if d.afterSession != nil {
		d.afterSession(rec)
	}

	res.Text = sink.String()
	res.Lines = rec.Lines()
	res.Duration = time.Since(start)
	d.observe(res, err)

	if err != nil {
		return res, gferrors.NewOperationError("session", m.String(), err)
	}
	return res, nil
}

func emitter(rec *Record) deferred.Unit {
	return deferred.UnitFunc(func(ctx context.Context) deferred.Status {
		if rec.Emit(ctx) {
			return deferred.Continue
		}
		return deferred.Done
	})
}

func (d *Driver) armed(m Mechanism) {
	if d.afterArm != nil {
		d.afterArm(m)
	}
}

// interrupt makes rec inert and waits for chain to drain.
func interrupt(rec *Record, chain *deferred.Chain) {
	rec.Close()
	chain.Cancel()
	<-chain.Done()
}

// runChain waits for the work chain to drain rather than for the
// completion flag.
func (d *Driver) runChain(ctx context.Context, res *Result, rec *Record, runner deferred.Runner) error {
	chain, err := runner.Arm(ctx, emitter(rec))
	if err != nil {
		return err
	}
	d.armed(res.Mechanism)

	if err := chain.Wait(ctx); err != nil {
		interrupt(rec, chain)
		res.Interrupted = true
	}

	res.Resubmissions = chain.Resubmissions()
	res.Completed = rec.ClearFlag()
	return chain.Err()
}

// runTasklet waits for the completion flag. A chain that ends without
// setting it, on error, also releases the wait.
func (d *Driver) runTasklet(ctx context.Context, res *Result, rec *Record) error {
	chain, err := d.taskletQueue.Arm(ctx, emitter(rec))
	if err != nil {
		return err
	}
	d.armed(res.Mechanism)

	go func() {
		<-chain.Done()
		rec.gate.Signal()
	}()

	err = rec.gate.Wait(ctx, func() bool {
		return rec.Completed() || chain.Err() != nil
	})
	if err != nil {
		interrupt(rec, chain)
		res.Interrupted = true
	} else {
		<-chain.Done()
	}

	res.Resubmissions = chain.Resubmissions()
	res.Completed = rec.ClearFlag()
	return chain.Err()
}

// runTimer primes the record with one line from the caller, arms the timer
// and waits for its expiry. The timer is always stopped synchronously
// before the record is released.
func (d *Driver) runTimer(ctx context.Context, res *Result, rec *Record) error {
	tm := timer.New(d.clock, func(ctx context.Context) {
		rec.Emit(ctx)
		rec.Complete()
	})

	rec.Emit(ctx)
	if err := tm.Start(d.timerTicks); err != nil {
		return err
	}
	d.armed(res.Mechanism)

	if err := rec.Wait(ctx); err != nil {
		rec.Close()
		res.Interrupted = true
	}

	res.TimerCanceled = tm.StopSync()
	res.Completed = rec.ClearFlag()
	return nil
}

func (d *Driver) observe(res Result, err error) {
	outcome := "completed"
	switch {
	case err != nil:
		outcome = "error"
	case res.Interrupted:
		outcome = "interrupted"
	}

	d.logger.Debug().
		Str("mechanism", res.Mechanism.String()).
		Str("outcome", outcome).
		Int("lines", res.Lines).
		Int64("resubmissions", res.Resubmissions).
		Dur("duration", res.Duration).
		Err(err).
		Msg("session finished")

	if d.metrics == nil {
		return
	}
	name := res.Mechanism.String()
	d.metrics.SessionsTotal.WithLabelValues(name, outcome).Inc()
	d.metrics.SessionDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
	d.metrics.LinesEmitted.WithLabelValues(name).Add(float64(res.Lines))
	d.metrics.Resubmissions.WithLabelValues(name).Add(float64(res.Resubmissions))
	d.metrics.SinkBytes.WithLabelValues(name).Set(float64(len(res.Text)))
	if res.TimerCanceled {
		d.metrics.TimerCancellations.WithLabelValues(name).Inc()
	}
}

// Close stops the runners the driver created. Sessions must have returned.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if d.ownScheduler != nil {
			d.ownScheduler.CancelAll()
			<-d.ownScheduler.Stop()
		}
		if d.ownTasklets != nil {
			d.ownTasklets.Close()
		}
		if d.ownPool != nil {
			<-d.ownPool.Shutdown()
		}
	})
}
