// Command deferflow publishes one HTTP endpoint per deferred-work
// mechanism. Each GET runs a session and returns its trace.
//
//	deferflow -config deferflow.yaml
//	deferflow -once tasklet
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnykmshr/deferflow/internal/config"
	"github.com/vnykmshr/deferflow/internal/logging"
	"github.com/vnykmshr/deferflow/internal/canary"
	"github.com/vnykmshr/deferflow/internal/publish"
	"github.com/vnykmshr/deferflow/pkg/clock"
	"github.com/vnykmshr/deferflow/pkg/guard"
	"github.com/vnykmshr/deferflow/pkg/metrics"
	"github.com/vnykmshr/deferflow/pkg/scheduling/workerpool"
	"github.com/vnykmshr/deferflow/pkg/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	once := flag.String("once", "", "run one session of the named mechanism, print it and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *once, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "deferflow: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components so they can be torn down in order.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	redis    redis.UniversalClient
	pool     workerpool.Pool
	driver   *session.Driver
}

func run(ctx context.Context, configPath, once string, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if once != "" {
		return a.runOnce(ctx, once, stdout)
	}
	return a.serve(ctx)
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg := metrics.NewRegistry(a.registry)

	clk, err := clock.NewRealSafe(clock.RealConfig{HZ: cfg.Clock.HZ})
	if err != nil {
		return nil, err
	}

	g, err := a.newGuard()
	if err != nil {
		a.close()
		return nil, err
	}

	a.pool = workerpool.NewWithConfigAndMetrics(workerpool.Config{
		Name:           "kworker",
		WorkerCount:    cfg.Pool.Workers,
		QueueSize:      cfg.Pool.QueueSize,
		DiscardResults: true,
		Logger:         &a.logger,
	}, reg)

	a.driver, err = session.NewDriver(session.Config{
		Clock:      clk,
		Limit:      cfg.Session.Limit,
		Delay:      cfg.Session.Delay,
		TimerTicks: cfg.Session.TimerTicks,
		MaxTimerNr: cfg.Session.MaxTimerNr,
		Pool:       a.pool,
		Guard:      g,
		Logger:     &a.logger,
		Metrics:    reg,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	logger.Info().
		Int("hz", clk.HZ()).
		Int("limit", a.driver.Limit()).
		Uint64("delay", a.driver.Delay()).
		Uint64("timer_ticks", a.driver.TimerTicks()).
		Int("max_timer_nr", a.driver.MaxTimerNr()).
		Msg("driver ready")

	return a, nil
}

func (a *app) newGuard() (guard.Guard, error) {
	switch a.cfg.GuardMode() {
	case config.GuardNone:
		a.logger.Warn().Msg("session guard disabled, sessions may overlap")
		return guard.Nop{}, nil
	case config.GuardLocal:
		return guard.NewLocal(), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("using redis session guard")

	g, err := guard.NewRedis(guard.RedisConfig{
		Redis:     a.redis,
		KeyPrefix: a.cfg.Redis.KeyPrefix,
		TTL:       a.cfg.Redis.LockTTL,
		Logger:    &a.logger,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (a *app) runOnce(ctx context.Context, name string, stdout io.Writer) error {
	m, err := session.ParseMechanism(name)
	if err != nil {
		return err
	}

	res, err := a.driver.Run(ctx, m)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, res.Text)
	return err
}

func (a *app) serve(ctx context.Context) error {
	pub := publish.New(a.driver, publish.Config{
		MetricsPath: a.cfg.Server.MetricsPath,
		Gatherer:    a.registry,
		Logger:      &a.logger,
	})
	if err := pub.PublishAll(); err != nil {
		return err
	}

	if a.cfg.Canary.Schedule != "" {
		p, err := canary.New(canary.Config{
			Schedule: a.cfg.Canary.Schedule,
			Runner:   a.driver,
			Timeout:  a.cfg.Canary.Timeout,
			Logger:   &a.logger,
		})
		if err != nil {
			return err
		}
		p.Start()
		defer func() { <-p.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           pub,
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Strs("endpoints", pub.Endpoints()).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// close releases components in reverse order of creation.
func (a *app) close() {
	if a.driver != nil {
		a.driver.Close()
	}
	if a.pool != nil {
		select {
		case <-a.pool.ShutdownWithTimeout(shutdownTimeout):
		case <-time.After(2 * shutdownTimeout):
			a.logger.Warn().Msg("worker pool did not stop")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis client")
		}
	}
}
