package pkg

import (
	"context"
	"database/sql"
	"time"

	"flowcron/pkg/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidTriggerConfig marks rejections of the authoring payload, as
	// opposed to storage failures
	ErrInvalidTriggerConfig = errors.New("invalid trigger config")
)

// TriggerConfig is the authoring payload of the sync boundary: the
// current trigger of a workflow. A trigger type other than `schedule`
// removes the schedule row.
type TriggerConfig struct {
	TriggerType    string `json:"triggerType" mapstructure:"triggerType" validate:"required"`
	CronExpression string `json:"cronExpression" mapstructure:"cronExpression"`
	Timezone       string `json:"timezone" mapstructure:"timezone"`
	Enabled        *bool  `json:"enabled" mapstructure:"enabled"`
}

// ScheduleStore owns every mutation of schedule rows. All writers go
// through it, so validation happens at the write boundary and malformed
// expressions never reach the dispatch path.
type ScheduleStore struct {
	db   *bun.DB
	eval *CronEvaluator
}

func NewScheduleStore(db *bun.DB, eval *CronEvaluator) *ScheduleStore {
	return &ScheduleStore{
		db:   db,
		eval: eval,
	}
}

func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]*models.Schedule, error) {
	var schedules []*models.Schedule

	err := s.db.NewSelect().
		Model(&schedules).
		Where("enabled = ?", true).
		Order("workflow_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list enabled schedules")
	}

	return schedules, nil
}

func (s *ScheduleStore) GetById(ctx context.Context, scheduleId string) (*models.Schedule, error) {
	schedule := new(models.Schedule)

	err := s.db.NewSelect().Model(schedule).Where("id = ?", scheduleId).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrScheduleNotFound
		}
		return nil, errors.WithMessage(err, "failed to load schedule")
	}

	return schedule, nil
}

func (s *ScheduleStore) GetByWorkflowId(ctx context.Context, workflowId string) (*models.Schedule, error) {
	schedule := new(models.Schedule)

	err := s.db.NewSelect().Model(schedule).Where("workflow_id = ?", workflowId).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrScheduleNotFound
		}
		return nil, errors.WithMessage(err, "failed to load schedule")
	}

	return schedule, nil
}

// SyncSchedule reconciles the schedule row of a workflow with its current
// trigger. Invalid cron expressions and timezones are rejected here, before
// anything is persisted. Returns nil when the trigger is not a schedule
// anymore and the row has been removed.
func (s *ScheduleStore) SyncSchedule(ctx context.Context, workflowId string, trigger *TriggerConfig) (*models.Schedule, error) {
	if workflowId == "" {
		return nil, errors.New("empty workflow id")
	}
	if err := validate.Struct(trigger); err != nil {
		return nil, errors.WithMessagef(ErrInvalidTriggerConfig, "%v", err)
	}

	if trigger.TriggerType != TriggerTypeSchedule {
		_, err := s.db.NewDelete().
			Model((*models.Schedule)(nil)).
			Where("workflow_id = ?", workflowId).
			Exec(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to remove schedule")
		}
		return nil, nil
	}

	timezone := trigger.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	if err := s.eval.ValidateCronExpression(trigger.CronExpression); err != nil {
		return nil, errors.WithMessagef(ErrInvalidTriggerConfig, "%v", err)
	}
	if err := s.eval.ValidateTimezone(timezone); err != nil {
		return nil, errors.WithMessagef(ErrInvalidTriggerConfig, "%v", err)
	}

	enabled := true
	if trigger.Enabled != nil {
		enabled = *trigger.Enabled
	}

	var nextRunAt *time.Time
	if enabled {
		next, err := s.eval.ComputeNextRunTime(trigger.CronExpression, timezone)
		if err != nil {
			// Valid syntax but no computable occurrence is still a config problem
			return nil, errors.WithMessagef(ErrInvalidTriggerConfig, "%v", err)
		}
		nextRunAt = next
	}

	now := time.Now()
	var schedule *models.Schedule

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(models.Schedule)
		err := tx.NewSelect().Model(existing).Where("workflow_id = ?", workflowId).Limit(1).Scan(ctx)
		if err != nil && err != sql.ErrNoRows {
			return errors.WithMessage(err, "failed to load schedule")
		}

		if err == sql.ErrNoRows {
			schedule = &models.Schedule{
				Id:             uuid.NewString(),
				WorkflowId:     workflowId,
				CronExpression: trigger.CronExpression,
				Timezone:       timezone,
				Enabled:        enabled,
				NextRunAt:      nextRunAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			if _, err := tx.NewInsert().Model(schedule).Exec(ctx); err != nil {
				return errors.WithMessage(err, "failed to insert schedule")
			}
			return nil
		}

		existing.CronExpression = trigger.CronExpression
		existing.Timezone = timezone
		existing.Enabled = enabled
		existing.NextRunAt = nextRunAt
		existing.UpdatedAt = now

		_, err = tx.NewUpdate().
			Model(existing).
			Column("cron_expression", "timezone", "enabled", "next_run_at", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithMessage(err, "failed to update schedule")
		}

		schedule = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateAfterRun is the single post-run mutation path, shared by the
// worker runtime and the internal API. It recomputes nextRunAt from the
// schedule's current cron expression, records the run outcome, and
// increments runCount only on success.
func (s *ScheduleStore) UpdateAfterRun(ctx context.Context, scheduleId string, status string, errorMessage string) (*models.Schedule, error) {
	if status != models.ScheduleStatusSuccess && status != models.ScheduleStatusError {
		return nil, errors.Errorf("invalid run status: %s", status)
	}

	var schedule *models.Schedule

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		schedule = new(models.Schedule)
		err := tx.NewSelect().Model(schedule).Where("id = ?", scheduleId).Limit(1).Scan(ctx)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrScheduleNotFound
			}
			return errors.WithMessage(err, "failed to load schedule")
		}

		now := time.Now()

		schedule.NextRunAt = nil
		if schedule.Enabled {
			next, err := s.eval.ComputeNextRunTime(schedule.CronExpression, schedule.Timezone)
			if err != nil {
				// Keep the run record even when the expression has gone bad
				logrus.WithError(err).WithField("schedule", scheduleId).Error("failed to recompute next run time")
			} else {
				schedule.NextRunAt = next
			}
		}

		schedule.LastRunAt = &now
		schedule.LastStatus = status
		schedule.LastError = errorMessage
		schedule.UpdatedAt = now
		if status == models.ScheduleStatusSuccess {
			schedule.RunCount++
		}

		_, err = tx.NewUpdate().
			Model(schedule).
			Column("next_run_at", "last_run_at", "last_status", "last_error", "run_count", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithMessage(err, "failed to update schedule after run")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return schedule, nil
}

// RefreshNextRuns recomputes nextRunAt for the given schedules, mutating
// them in place. Called when the dispatcher fetches its candidate set, so
// every evaluation cycle leaves fresh values behind. A schedule whose
// expression fails to evaluate is skipped and logged, never fatal.
func (s *ScheduleStore) RefreshNextRuns(ctx context.Context, schedules []*models.Schedule) (int, error) {
	refreshed := 0

	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}

		next, err := s.eval.ComputeNextRunTime(schedule.CronExpression, schedule.Timezone)
		if err != nil {
			logrus.WithError(err).WithField("schedule", schedule.Id).Error("failed to refresh next run time")
			continue
		}

		schedule.NextRunAt = next
		schedule.UpdatedAt = time.Now()

		_, err = s.db.NewUpdate().
			Model(schedule).
			Column("next_run_at", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return refreshed, errors.WithMessage(err, "failed to persist refreshed next run time")
		}

		refreshed++
	}

	return refreshed, nil
}
