package pkg

import (
	"context"
	"time"

	"github.com/Masterminds/goutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CycleStatsRecorder persists the outcome of a dispatch cycle for the
// stats endpoint. Recording failures are logged, never fatal.
type CycleStatsRecorder interface {
	RecordCycle(ctx context.Context, result *CycleResult) error
}

type CycleResult struct {
	CycleId   string        `json:"cycleId"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"-"`

	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Reclaimed int `json:"reclaimed"`
}

// ExitCode maps the cycle outcome to the process exit code: any
// per-schedule error makes the invocation visible as failed to the
// external scheduler, even though the cycle itself ran to completion.
func (r *CycleResult) ExitCode() int {
	if r.Errors > 0 {
		return 1
	}
	return 0
}

// Dispatcher runs one poll cycle: fetch every enabled schedule, evaluate
// each against the current instant, and enqueue a trigger message per due
// schedule. It holds no timer and no state between invocations; the
// external scheduler provides the cadence.
type Dispatcher struct {
	source ScheduleSource
	queue  TriggerQueue
	eval   *CronEvaluator
	stats  CycleStatsRecorder
}

func NewDispatcher(source ScheduleSource, queue TriggerQueue, eval *CronEvaluator, stats CycleStatsRecorder) *Dispatcher {
	return &Dispatcher{
		source: source,
		queue:  queue,
		eval:   eval,
		stats:  stats,
	}
}

// RunCycle performs a single dispatch cycle. Every schedule is evaluated
// against the same instant, and a failure on one schedule never prevents
// the evaluation of the rest. Windows missed while the dispatcher was not
// running are not caught up.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleResult, error) {
	cycleId, _ := goutils.RandomAlphaNumeric(8)
	now := time.Now()

	result := &CycleResult{
		CycleId:   cycleId,
		StartedAt: now,
	}

	log := logrus.WithField("cycle", cycleId)

	// Recover triggers abandoned by dead workers before enqueueing new ones
	reclaimed, err := d.queue.ReclaimExpired(ctx)
	if err != nil {
		log.WithError(err).Error("failed to reclaim expired trigger messages")
	}
	result.Reclaimed = reclaimed

	schedules, err := d.source.FetchEnabledSchedules(ctx)
	if err != nil {
		return result, errors.WithMessage(err, "failed to fetch schedules")
	}

	for _, schedule := range schedules {
		result.Evaluated++

		slog := log.WithField("schedule", schedule.Id).WithField("workflow", schedule.WorkflowId)

		due, err := d.eval.ShouldTriggerNow(schedule.CronExpression, schedule.Timezone, now)
		if err != nil {
			slog.WithError(err).Error("failed to evaluate schedule")
			result.Errors++
			continue
		}

		if !due {
			result.Skipped++
			continue
		}

		msg := NewScheduleTriggerMessage(schedule.WorkflowId, schedule.Id, now)
		if err := d.queue.Enqueue(ctx, msg); err != nil {
			slog.WithError(err).Error("failed to enqueue trigger message")
			result.Errors++
			continue
		}

		result.Triggered++
		slog.WithField("message", msg.MessageId).Info("enqueued trigger message")
	}

	result.Elapsed = time.Now().Sub(result.StartedAt)

	if d.stats != nil {
		if err := d.stats.RecordCycle(ctx, result); err != nil {
			log.WithError(err).Warn("failed to record cycle stats")
		}
	}

	log.WithFields(logrus.Fields{
		"evaluated": result.Evaluated,
		"triggered": result.Triggered,
		"skipped":   result.Skipped,
		"errors":    result.Errors,
		"reclaimed": result.Reclaimed,
		"elapsedMS": result.Elapsed.Milliseconds(),
	}).Info("dispatch cycle complete")

	return result, nil
}
