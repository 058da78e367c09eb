/*
Package billing runs scheduled billing automations.

PURPOSE:
  An automation is a saved list of drawdown lines. Running it creates and
  posts one drawdown transaction per line through drawdown.Service, so
  every posted amount passes the same validator and balance recompute as
  a manual post.

ONE RUN PER AUTOMATION PER DAY:
  1. Locker          per-automation mutual exclusion (fails fast)
  2. Preflight       a completed run already exists for today → ErrAlreadyRan
  3. Claim           InsertRun; UNIQUE(automation_id, run_date) is the guard
                     → generic.ErrRunAlreadyClaimed
  The lock and preflight keep the common case cheap; only the claim is
  relied on for correctness.

ITEM ELIGIBILITY:
  A line is billed only when its contract is Active with AutoDrawdown set.
  A failing line is recorded on the run and never aborts the others.

SEE ALSO:
  - scheduler.go: cron wiring
  - notify/: run report sinks
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/drawdown"
	"github.com/warp/drawdown-engine/generic"
	"github.com/warp/drawdown-engine/metrics"
	"github.com/warp/drawdown-engine/notify"
)

// ActorBilling is recorded as the actor for scheduled runs.
const ActorBilling = "billing-automation"

type Job struct {
	store        generic.TxStore
	transactions *drawdown.Service
	locker       Locker
	notifier     notify.Notifier
	ids          generic.IDGenerator
	clock        generic.Clock
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

type JobOptions struct {
	Locker   Locker
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

func NewJob(store generic.TxStore, transactions *drawdown.Service, ids generic.IDGenerator, clock generic.Clock, log zerolog.Logger, opts JobOptions) *Job {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	return &Job{
		store:        store,
		transactions: transactions,
		locker:       opts.Locker,
		notifier:     opts.Notifier,
		ids:          ids,
		clock:        clock,
		log:          log.With().Str("component", "billing").Logger(),
		metrics:      opts.Metrics,
	}
}

// =============================================================================
// AUTOMATIONS
// =============================================================================

func (j *Job) CreateAutomation(ctx context.Context, a generic.Automation) (*generic.Automation, error) {
	if err := generic.Invalid(a.Validate()); err != nil {
		return nil, err
	}
	now := j.clock.Now()
	a.ID = generic.AutomationID(j.ids.NewID(generic.PrefixAutomation))
	if a.AnchorDate.IsZero() {
		a.AnchorDate = a.NextRunDate
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := j.store.SaveAutomation(ctx, &a); err != nil {
		return nil, err
	}
	j.log.Info().Str("automation_id", string(a.ID)).Int("items", len(a.Items)).Msg("automation created")
	return &a, nil
}

func (j *Job) GetAutomation(ctx context.Context, id generic.AutomationID) (*generic.Automation, error) {
	return j.store.GetAutomation(ctx, id)
}

func (j *Job) ListAutomations(ctx context.Context) ([]generic.Automation, error) {
	return j.store.ListAutomations(ctx)
}

func (j *Job) ListRuns(ctx context.Context, id generic.AutomationID) ([]generic.AutomationRun, error) {
	if _, err := j.store.GetAutomation(ctx, id); err != nil {
		return nil, err
	}
	return j.store.ListRuns(ctx, id)
}

// =============================================================================
// RUNS
// =============================================================================

// RunDue runs every enabled automation whose NextRunDate is today or
// earlier. Automations already run or locked elsewhere are skipped.
func (j *Job) RunDue(ctx context.Context, trigger generic.RunTrigger) ([]generic.AutomationRun, error) {
	all, err := j.store.ListAutomations(ctx)
	if err != nil {
		return nil, err
	}
	today := generic.Today(j.clock)

	var runs []generic.AutomationRun
	for _, a := range all {
		if !a.Due(today) {
			continue
		}
		run, err := j.Run(ctx, a.ID, trigger)
		switch {
		case errors.Is(err, generic.ErrAlreadyRan),
			errors.Is(err, generic.ErrRunAlreadyClaimed),
			errors.Is(err, ErrLockHeld):
			j.log.Debug().Str("automation_id", string(a.ID)).Err(err).Msg("skipped")
			continue
		case err != nil:
			j.log.Error().Err(err).Str("automation_id", string(a.ID)).Msg("billing run failed")
			if run == nil {
				continue
			}
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// Run executes one automation for today. A run that fails part-way is
// returned with status failed together with the error.
func (j *Job) Run(ctx context.Context, id generic.AutomationID, trigger generic.RunTrigger) (*generic.AutomationRun, error) {
	release, err := j.locker.Acquire(ctx, "automation:"+string(id))
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := j.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	now := j.clock.Now()
	today := generic.DateOf(now)

	existing, err := j.store.FindRun(ctx, id, today)
	switch {
	case err == nil && existing.Status == generic.RunCompleted:
		return nil, fmt.Errorf("automation %s on %s: %w", id, today, generic.ErrAlreadyRan)
	case err != nil && !generic.IsNotFound(err):
		return nil, err
	}

	run := &generic.AutomationRun{
		ID:           generic.RunID(j.ids.NewID(generic.PrefixRun)),
		AutomationID: id,
		RunDate:      today,
		Trigger:      trigger,
		Status:       generic.RunRunning,
		TotalPosted:  generic.ZeroMoney(),
		StartedAt:    now,
	}
	if err := j.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	log := j.log.With().Str("automation_id", string(id)).Str("run_id", string(run.ID)).Logger()
	log.Info().Str("trigger", string(trigger)).Int("items", len(a.Items)).Msg("billing run started")

	actor := ActorBilling
	if trigger == generic.TriggerManual {
		actor = ActorBilling + ":manual"
	}
	for _, item := range a.Items {
		if ctx.Err() != nil {
			break
		}
		run.Record(j.runItem(ctx, item, now, actor))
	}

	cause := ctx.Err()
	if err := j.complete(ctx, a, run, today, cause); err != nil {
		log.Error().Err(err).Msg("billing run could not be completed")
		return run, err
	}

	j.metrics.BillingRun(string(run.Status), run.Succeeded, run.Failed)
	log.Info().
		Str("status", string(run.Status)).
		Str("total_posted", run.TotalPosted.String()).
		Int("succeeded", run.Succeeded).
		Int("failed", run.Failed).
		Msg("billing run finished")

	if j.notifier != nil {
		if err := j.notifier.RunCompleted(ctx, notify.ReportFor(*a, *run)); err != nil {
			log.Warn().Err(err).Msg("run report not delivered")
		}
	}
	if cause != nil {
		return run, fmt.Errorf("automation %s run %s: %w", id, run.ID, cause)
	}
	return run, nil
}

// complete stores the run outcome and advances the schedule together.
func (j *Job) complete(ctx context.Context, a *generic.Automation, run *generic.AutomationRun, today generic.TimePoint, cause error) error {
	done := j.clock.Now()
	run.CompletedAt = &done
	run.Status = generic.RunCompleted
	if cause != nil {
		run.Status = generic.RunFailed
		run.Error = cause.Error()
	}

	// The caller's context may be cancelled; the run row must still close.
	wctx := context.WithoutCancel(ctx)
	err := j.store.WithTx(wctx, func(st generic.Store) error {
		if err := st.UpdateRun(wctx, run); err != nil {
			return err
		}
		if run.Status != generic.RunCompleted {
			return nil
		}
		a.Advance(today)
		a.LastRunAt = &done
		a.UpdatedAt = done
		return st.SaveAutomation(wctx, a)
	})
	if err != nil {
		j.metrics.BillingRun(string(generic.RunFailed), run.Succeeded, run.Failed)
	}
	return err
}

func (j *Job) runItem(ctx context.Context, item generic.AutomationItem, now time.Time, actor string) generic.RunItemResult {
	res := generic.RunItemResult{ResidentID: item.ResidentID, ContractID: item.ContractID}

	c, err := j.store.GetContract(ctx, item.ContractID)
	if err != nil {
		res.Errors = errorMessages(err)
		return res
	}
	if c.Status != generic.ContractActive || !c.AutoDrawdown {
		res.Errors = []string{fmt.Sprintf("contract %s is not eligible for automated drawdown (status %s, auto drawdown %t)",
			c.ID, c.Status, c.AutoDrawdown)}
		return res
	}

	description := item.Description
	if description == "" {
		description = "Scheduled drawdown"
	}
	tx, err := j.transactions.CreateTransaction(ctx, drawdown.CreateTransactionInput{
		ResidentID:      item.ResidentID,
		ContractID:      item.ContractID,
		OccurredAt:      now,
		ServiceItemCode: item.ServiceItemCode,
		Description:     description,
		Quantity:        item.Quantity,
		UnitPrice:       item.UnitPrice,
		IsDrawdown:      true,
	}, actor)
	if err != nil {
		res.Errors = errorMessages(err)
		return res
	}
	res.TransactionID = tx.ID
	res.Amount = tx.Amount

	if _, err := j.transactions.PostTransaction(ctx, tx.ID, actor); err != nil {
		res.Errors = errorMessages(err)
		return res
	}
	res.Success = true
	return res
}

// errorMessages flattens validation failures into one message per rule.
func errorMessages(err error) []string {
	var vf *generic.ValidationFailedError
	if errors.As(err, &vf) {
		out := make([]string, 0, len(vf.Violations))
		for _, v := range vf.Violations {
			out = append(out, v.Message)
		}
		return out
	}
	return []string{err.Error()}
}
