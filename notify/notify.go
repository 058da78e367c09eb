// Package notify delivers billing run reports to downstream sinks.
//
// A sink failure never fails the run that produced the report; callers log
// the error and move on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/drawdown-engine/generic"
)

// RoutingRunCompleted is the routing key for completed billing runs.
const RoutingRunCompleted = "billing.run.completed"

type Notifier interface {
	RunCompleted(ctx context.Context, report RunReport) error
}

// RunReport is the wire shape of a finished automation run.
type RunReport struct {
	RunID        string       `json:"run_id"`
	AutomationID string       `json:"automation_id"`
	Automation   string       `json:"automation"`
	RunDate      string       `json:"run_date"`
	Trigger      string       `json:"trigger"`
	Status       string       `json:"status"`
	TotalPosted  float64      `json:"total_posted"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	Error        string       `json:"error,omitempty"`
	CompletedAt  time.Time    `json:"completed_at"`
	Failures     []ItemReport `json:"failures,omitempty"`
}

type ItemReport struct {
	ResidentID string   `json:"resident_id"`
	ContractID string   `json:"contract_id"`
	Errors     []string `json:"errors"`
}

// ReportFor builds the report for run. Only failed items are listed.
func ReportFor(a generic.Automation, run generic.AutomationRun) RunReport {
	r := RunReport{
		RunID:        string(run.ID),
		AutomationID: string(a.ID),
		Automation:   a.Name,
		RunDate:      run.RunDate.String(),
		Trigger:      string(run.Trigger),
		Status:       string(run.Status),
		TotalPosted:  run.TotalPosted.Float64(),
		Succeeded:    run.Succeeded,
		Failed:       run.Failed,
		Error:        run.Error,
	}
	if run.CompletedAt != nil {
		r.CompletedAt = *run.CompletedAt
	}
	for _, res := range run.Results {
		if res.Success {
			continue
		}
		r.Failures = append(r.Failures, ItemReport{
			ResidentID: string(res.ResidentID),
			ContractID: string(res.ContractID),
			Errors:     res.Errors,
		})
	}
	return r
}

// =============================================================================
// LOG SINK
// =============================================================================

type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) RunCompleted(_ context.Context, r RunReport) error {
	ev := n.log.Info()
	if r.Failed > 0 || r.Status != string(generic.RunCompleted) {
		ev = n.log.Warn()
	}
	ev.Str("run_id", r.RunID).
		Str("automation_id", r.AutomationID).
		Str("run_date", r.RunDate).
		Str("status", r.Status).
		Float64("total_posted", r.TotalPosted).
		Int("succeeded", r.Succeeded).
		Int("failed", r.Failed).
		Msg("billing run completed")
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi sends the report to every sink and joins their errors.
type Multi []Notifier

func (m Multi) RunCompleted(ctx context.Context, r RunReport) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.RunCompleted(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
