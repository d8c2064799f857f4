package pkg

import (
	"context"
	"database/sql"
	"time"

	"flowcron/pkg/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

var ErrExecutionNotFound = errors.New("execution not found")
var ErrExecutionCompleted = errors.New("execution already completed")

type ExecutionStore struct {
	db *bun.DB
}

func NewExecutionStore(db *bun.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Get(ctx context.Context, executionId string) (*models.Execution, error) {
	execution := new(models.Execution)

	err := s.db.NewSelect().Model(execution).Where("id = ?", executionId).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrExecutionNotFound
		}
		return nil, errors.WithMessage(err, "failed to load execution")
	}

	return execution, nil
}

func (s *ExecutionStore) GetByDedupKey(ctx context.Context, dedupKey string) (*models.Execution, error) {
	execution := new(models.Execution)

	err := s.db.NewSelect().Model(execution).Where("dedup_key = ?", dedupKey).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrExecutionNotFound
		}
		return nil, errors.WithMessage(err, "failed to load execution")
	}

	return execution, nil
}

func (s *ExecutionStore) ListRecentByWorkflow(ctx context.Context, workflowId string, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 20
	}

	var executions []*models.Execution

	err := s.db.NewSelect().
		Model(&executions).
		Where("workflow_id = ?", workflowId).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list executions")
	}

	return executions, nil
}

// CreateFromTrigger inserts the execution row for a trigger message. The
// insert is conflict-tolerant on the dedup key: a redelivered trigger
// returns the already-existing row with created=false instead of creating
// a second one.
func (s *ExecutionStore) CreateFromTrigger(ctx context.Context, msg *TriggerMessage) (*models.Execution, bool, error) {
	now := time.Now()

	execution := &models.Execution{
		Id:         uuid.NewString(),
		WorkflowId: msg.WorkflowId,
		Status:     models.ExecutionStatusRunning,
		StartedAt:  now,
		DedupKey:   msg.DedupKey(),
		CreatedAt:  now,
	}

	res, err := s.db.NewInsert().
		Model(execution).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, errors.WithMessage(err, "failed to insert execution")
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.WithMessage(err, "failed to read insert result")
	}

	if inserted == 0 {
		existing, err := s.GetByDedupKey(ctx, execution.DedupKey)
		if err != nil {
			return nil, false, errors.WithMessage(err, "failed to load deduplicated execution")
		}
		return existing, false, nil
	}

	return execution, true, nil
}

// Start transitions a pre-created execution to running; used when the
// worker is handed an execution reference instead of a queue message.
func (s *ExecutionStore) Start(ctx context.Context, executionId string, workflowId string) (*models.Execution, error) {
	var execution *models.Execution

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		execution = new(models.Execution)
		err := tx.NewSelect().Model(execution).Where("id = ?", executionId).Limit(1).Scan(ctx)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrExecutionNotFound
			}
			return errors.WithMessage(err, "failed to load execution")
		}

		if workflowId != "" && execution.WorkflowId != workflowId {
			return errors.Errorf("execution %s does not belong to workflow %s", executionId, workflowId)
		}

		if execution.IsCompleted() {
			return ErrExecutionCompleted
		}

		execution.Status = models.ExecutionStatusRunning
		execution.StartedAt = time.Now()

		_, err = tx.NewUpdate().
			Model(execution).
			Column("status", "started_at").
			WherePK().
			Where("completed_at IS NULL").
			Exec(ctx)
		if err != nil {
			return errors.WithMessage(err, "failed to start execution")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return execution, nil
}

// Finalize writes the terminal status of an execution exactly once. The
// `completed_at IS NULL` guard makes the write a no-op when another
// invocation finalized first; in that case recorded is false and the
// caller must not treat the outcome as its own.
func (s *ExecutionStore) Finalize(ctx context.Context, executionId string, status string, errorMessage string) (bool, error) {
	if status != models.ExecutionStatusSuccess && status != models.ExecutionStatusError && status != models.ExecutionStatusCancelled {
		return false, errors.Errorf("invalid terminal status: %s", status)
	}

	now := time.Now()

	res, err := s.db.NewUpdate().
		Model((*models.Execution)(nil)).
		Set("status = ?", status).
		Set("completed_at = ?", now).
		Set("error = ?", sql.NullString{String: errorMessage, Valid: errorMessage != ""}).
		Where("id = ?", executionId).
		Where("completed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, errors.WithMessage(err, "failed to finalize execution")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithMessage(err, "failed to read finalize result")
	}

	return affected == 1, nil
}
