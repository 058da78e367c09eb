package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/generic"
)

// Expirer moves overdue contracts to Expired. contracts.Service implements it.
type Expirer interface {
	ExpireOverdue(ctx context.Context, actor string) (int, error)
}

type ScheduleConfig struct {
	BillingSpec string
	ExpirySpec  string
	// JobTimeout bounds one scheduled invocation. Zero means no bound.
	JobTimeout time.Duration
}

// Scheduler runs due automations and the contract expiry sweep on cron specs.
type Scheduler struct {
	cron    *cron.Cron
	job     *Job
	expirer Expirer
	cfg     ScheduleConfig
	log     zerolog.Logger
}

func NewScheduler(job *Job, expirer Expirer, cfg ScheduleConfig, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cronLog := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)), cron.WithLogger(cronLog)),
		job:     job,
		expirer: expirer,
		cfg:     cfg,
		log:     log,
	}
}

// Start registers both jobs and starts the cron loop. An invalid spec is an
// error; nothing is started in that case.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.BillingSpec, s.runBilling); err != nil {
		return fmt.Errorf("billing schedule %q: %w", s.cfg.BillingSpec, err)
	}
	s.log.Info().Str("schedule", s.cfg.BillingSpec).Msg("scheduled billing job")

	if s.expirer != nil {
		if _, err := s.cron.AddFunc(s.cfg.ExpirySpec, s.runExpiry); err != nil {
			return fmt.Errorf("expiry schedule %q: %w", s.cfg.ExpirySpec, err)
		}
		s.log.Info().Str("schedule", s.cfg.ExpirySpec).Msg("scheduled contract expiry job")
	}

	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}

func (s *Scheduler) runBilling() {
	ctx, cancel := s.jobContext()
	defer cancel()
	runs, err := s.job.RunDue(ctx, generic.TriggerScheduled)
	if err != nil {
		s.log.Error().Err(err).Msg("billing job failed")
		return
	}
	s.log.Info().Int("runs", len(runs)).Msg("billing job finished")
}

func (s *Scheduler) runExpiry() {
	ctx, cancel := s.jobContext()
	defer cancel()
	n, err := s.expirer.ExpireOverdue(ctx, ActorBilling)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	s.log.Debug().Int("expired", n).Msg("expiry sweep finished")
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	if s.cfg.JobTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	}
	return context.WithCancel(context.Background())
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
