package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/billing"
	"github.com/warp/drawdown-engine/config"
	"github.com/warp/drawdown-engine/contracts"
	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/logging"
	"github.com/warp/drawdown-engine/metrics"
	"github.com/warp/drawdown-engine/notify"
	"github.com/warp/drawdown-engine/store/sqlite"
)

// app is the wired process: one store shared by every service.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *sqlite.Store
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	contracts *contracts.Service
	drawdown  *drawdown.Service
	billing   *billing.Job

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ids := generic.UUIDGenerator{}
	clock := generic.SystemClock{}

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: reg,
		metrics:  m,
		closers:  []func() error{store.Close},
	}
	a.contracts = contracts.NewService(store, ids, clock, log, m)
	a.drawdown = drawdown.NewService(store, ids, clock, log, m)

	locker, err := a.locker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.billing = billing.NewJob(store, a.drawdown, ids, clock, log, billing.JobOptions{
		Locker:   locker,
		Notifier: a.notifier(),
		Metrics:  m,
	})
	return a, nil
}

// locker uses Redis when REDIS_URL is set, so several processes can share
// one billing schedule.
func (a *app) locker(ctx context.Context) (billing.Locker, error) {
	if a.cfg.RedisURL == "" {
		return billing.NewLocalLocker(), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info().Msg("billing lock: redis")
	return billing.NewRedisLocker(client, "drawdown:lock", 0, a.log), nil
}

// notifier always logs run reports and also publishes them when AMQP_URL
// is set. An unreachable broker degrades to logging only.
func (a *app) notifier() notify.Notifier {
	sinks := notify.Multi{notify.NewLogNotifier(a.log)}
	if a.cfg.AMQPURL == "" {
		return sinks
	}
	pub, err := notify.DialAMQP(a.cfg.AMQPURL, a.cfg.NotifyExchange, a.log)
	if err != nil {
		a.log.Warn().Err(err).Msg("rabbitmq unavailable; run reports are logged only")
		return sinks
	}
	a.closers = append(a.closers, pub.Close)
	return append(sinks, pub)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
