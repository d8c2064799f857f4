package pkg

import (
	"context"
	"testing"
	"time"

	"flowcron/pkg/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type runtimeFixture struct {
	db         *bun.DB
	schedules  *ScheduleStore
	executions *ExecutionStore
	queue      *memQueue
	executor   *fakeExecutor
}

func newRuntimeFixture(t *testing.T) *runtimeFixture {
	db := newTestDB(t)
	return &runtimeFixture{
		db:         db,
		schedules:  NewScheduleStore(db, NewCronEvaluator(time.Minute)),
		executions: NewExecutionStore(db),
		queue:      newMemQueue(),
		executor:   &fakeExecutor{},
	}
}

// Each run gets a fresh runtime: the finalize guard is one-shot per process.
func (f *runtimeFixture) newRuntime() *WorkerRuntime {
	return NewWorkerRuntime(testConfig(), f.schedules, f.executions, f.queue, f.executor)
}

func (f *runtimeFixture) syncSchedule(t *testing.T, workflowId string) *models.Schedule {
	schedule, err := f.schedules.SyncSchedule(context.Background(), workflowId, &TriggerConfig{
		TriggerType:    TriggerTypeSchedule,
		CronExpression: "* * * * *",
	})
	require.NoError(t, err)
	return schedule
}

func (f *runtimeFixture) enqueue(t *testing.T, workflowId string, scheduleId string, triggerTime time.Time) *TriggerMessage {
	msg := NewScheduleTriggerMessage(workflowId, scheduleId, triggerTime)
	require.NoError(t, f.queue.Enqueue(context.Background(), msg))
	return msg
}

func (f *runtimeFixture) getByDedupKey(t *testing.T, msg *TriggerMessage) *models.Execution {
	execution, err := f.executions.GetByDedupKey(context.Background(), msg.DedupKey())
	require.NoError(t, err)
	return execution
}

func TestRunQueueSuccess(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	schedule := f.syncSchedule(t, "wf1")
	msg := f.enqueue(t, "wf1", schedule.Id, time.Now())

	code := f.newRuntime().Run(ctx, "", "")
	require.Equal(t, 0, code)

	require.Equal(t, 1, f.executor.callCount())
	require.Equal(t, "wf1", f.executor.lastWorkflowId)
	require.NotNil(t, f.executor.lastTrigger)
	require.Equal(t, msg.MessageId, f.executor.lastTrigger.MessageId)

	execution := f.getByDedupKey(t, msg)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	require.True(t, execution.IsCompleted())
	require.Empty(t, execution.Error)

	require.Equal(t, []string{msg.MessageId}, f.queue.deletedIds())

	updated, err := f.schedules.GetById(ctx, schedule.Id)
	require.NoError(t, err)
	require.Equal(t, models.ScheduleStatusSuccess, updated.LastStatus)
	require.Equal(t, int64(1), updated.RunCount)
	require.NotNil(t, updated.LastRunAt)
}

func TestRunQueueBusinessFailure(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	schedule := f.syncSchedule(t, "wf1")
	msg := f.enqueue(t, "wf1", schedule.Id, time.Now())
	f.executor.result = &WorkflowRunResult{Success: false, Error: "node crashed: out of memory"}

	// A failed workflow is still a recorded outcome
	code := f.newRuntime().Run(ctx, "", "")
	require.Equal(t, 0, code)

	execution := f.getByDedupKey(t, msg)
	require.Equal(t, models.ExecutionStatusError, execution.Status)
	require.Equal(t, "node crashed: out of memory", execution.Error)
	require.Equal(t, []string{msg.MessageId}, f.queue.deletedIds())

	updated, err := f.schedules.GetById(ctx, schedule.Id)
	require.NoError(t, err)
	require.Equal(t, models.ScheduleStatusError, updated.LastStatus)
	require.Equal(t, "node crashed: out of memory", updated.LastError)
	require.Equal(t, int64(0), updated.RunCount)
}

func TestRunQueueExecutorUnreachable(t *testing.T) {
	f := newRuntimeFixture(t)

	schedule := f.syncSchedule(t, "wf1")
	msg := f.enqueue(t, "wf1", schedule.Id, time.Now())
	f.executor.err = errors.New("dial tcp: connection refused")

	code := f.newRuntime().Run(context.Background(), "", "")
	require.Equal(t, 0, code)

	execution := f.getByDedupKey(t, msg)
	require.Equal(t, models.ExecutionStatusError, execution.Status)
	require.Contains(t, execution.Error, "workflow executor unreachable")
	require.Contains(t, execution.Error, "connection refused")
	require.Equal(t, []string{msg.MessageId}, f.queue.deletedIds())
}

func TestRunQueueEmpty(t *testing.T) {
	f := newRuntimeFixture(t)

	code := f.newRuntime().Run(context.Background(), "", "")
	require.Equal(t, 0, code)
	require.Equal(t, 0, f.executor.callCount())
}

func TestRunQueueTerminatedWhileIdle(t *testing.T) {
	f := newRuntimeFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := f.newRuntime().Run(ctx, "", "")
	require.Equal(t, 1, code)
	require.Equal(t, 0, f.executor.callCount())
}

func TestRunQueueReceiveFailure(t *testing.T) {
	f := newRuntimeFixture(t)
	f.queue.receiveErr = errors.New("connection reset by peer")

	code := f.newRuntime().Run(context.Background(), "", "")
	require.Equal(t, 1, code)
}

func TestRunQueueMalformedMessage(t *testing.T) {
	f := newRuntimeFixture(t)
	f.queue.receiveErr = errors.WithMessage(ErrMessageDeadLettered, "invalid trigger message")

	// The payload is parked in the dead letters, nothing left to run
	code := f.newRuntime().Run(context.Background(), "", "")
	require.Equal(t, 0, code)
	require.Equal(t, 0, f.executor.callCount())
}

func TestRunQueueDatabaseDown(t *testing.T) {
	f := newRuntimeFixture(t)

	msg := f.enqueue(t, "wf1", "sched1", time.Now())
	require.NoError(t, f.db.Close())

	code := f.newRuntime().Run(context.Background(), "", "")
	require.Equal(t, 1, code)

	// The message stays leased and is redelivered after the lease lapses
	require.Empty(t, f.queue.deletedIds())
	require.Equal(t, 0, f.executor.callCount())
	require.Contains(t, f.queue.processing, msg.MessageId)
}

func TestRunQueueRedeliveredCompleted(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	schedule := f.syncSchedule(t, "wf1")
	triggerTime := time.Now()

	first := f.enqueue(t, "wf1", schedule.Id, triggerTime)
	require.Equal(t, 0, f.newRuntime().Run(ctx, "", ""))
	require.Equal(t, 1, f.executor.callCount())

	// Same schedule-minute arrives again with a fresh message id
	second := f.enqueue(t, "wf1", schedule.Id, triggerTime)
	require.Equal(t, second.DedupKey(), first.DedupKey())

	code := f.newRuntime().Run(ctx, "", "")
	require.Equal(t, 0, code)

	// No second run, the redelivered trigger is dropped cleanly
	require.Equal(t, 1, f.executor.callCount())
	require.Equal(t, []string{first.MessageId, second.MessageId}, f.queue.deletedIds())
}

func TestRunQueueResumesRedeliveredRunning(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	schedule := f.syncSchedule(t, "wf1")
	triggerTime := time.Now()

	// First delivery created the row but the worker died before finalizing
	orphan := NewScheduleTriggerMessage("wf1", schedule.Id, triggerTime)
	_, created, err := f.executions.CreateFromTrigger(ctx, orphan)
	require.NoError(t, err)
	require.True(t, created)

	msg := f.enqueue(t, "wf1", schedule.Id, triggerTime)
	code := f.newRuntime().Run(ctx, "", "")
	require.Equal(t, 0, code)

	require.Equal(t, 1, f.executor.callCount())
	execution := f.getByDedupKey(t, msg)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)
}

func TestRunHandedSuccess(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	execution := &models.Execution{
		Id:         "exec-1",
		WorkflowId: "wf1",
		Status:     models.ExecutionStatusPending,
		StartedAt:  time.Now(),
		CreatedAt:  time.Now(),
	}
	_, err := f.db.NewInsert().Model(execution).Exec(ctx)
	require.NoError(t, err)

	code := f.newRuntime().Run(ctx, "exec-1", "wf1")
	require.Equal(t, 0, code)

	require.Equal(t, 1, f.executor.callCount())
	require.Equal(t, "exec-1", f.executor.lastExecutionId)
	require.Nil(t, f.executor.lastTrigger)

	reloaded, err := f.executions.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSuccess, reloaded.Status)

	// No queue interaction on the handed path
	require.Empty(t, f.queue.deletedIds())
}

func TestRunHandedNotFound(t *testing.T) {
	f := newRuntimeFixture(t)

	code := f.newRuntime().Run(context.Background(), "missing", "")
	require.Equal(t, 1, code)
	require.Equal(t, 0, f.executor.callCount())
}

func TestRunHandedAlreadyCompleted(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	execution := &models.Execution{
		Id:         "exec-1",
		WorkflowId: "wf1",
		Status:     models.ExecutionStatusRunning,
		StartedAt:  time.Now(),
		CreatedAt:  time.Now(),
	}
	_, err := f.db.NewInsert().Model(execution).Exec(ctx)
	require.NoError(t, err)

	recorded, err := f.executions.Finalize(ctx, "exec-1", models.ExecutionStatusSuccess, "")
	require.NoError(t, err)
	require.True(t, recorded)

	code := f.newRuntime().Run(ctx, "exec-1", "wf1")
	require.Equal(t, 0, code)
	require.Equal(t, 0, f.executor.callCount())
}

func TestRunSignalTermination(t *testing.T) {
	f := newRuntimeFixture(t)

	schedule := f.syncSchedule(t, "wf1")
	msg := f.enqueue(t, "wf1", schedule.Id, time.Now())
	f.executor.delay = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	runtime := f.newRuntime()
	code := runtime.Run(ctx, "", "")

	// The shutdown record is written, the exit code still reports the signal
	require.Equal(t, 1, code)

	execution := f.getByDedupKey(t, msg)
	require.Equal(t, models.ExecutionStatusError, execution.Status)
	require.Contains(t, execution.Error, "terminated by signal")
	require.Contains(t, execution.Error, runtime.Id())

	require.Equal(t, []string{msg.MessageId}, f.queue.deletedIds())

	updated, err := f.schedules.GetById(context.Background(), schedule.Id)
	require.NoError(t, err)
	require.Equal(t, models.ScheduleStatusError, updated.LastStatus)
}

func TestRunExecutorPanic(t *testing.T) {
	f := newRuntimeFixture(t)

	schedule := f.syncSchedule(t, "wf1")
	msg := f.enqueue(t, "wf1", schedule.Id, time.Now())
	f.executor.panics = true

	code := f.newRuntime().Run(context.Background(), "", "")
	require.Equal(t, 0, code)

	execution := f.getByDedupKey(t, msg)
	require.Equal(t, models.ExecutionStatusError, execution.Status)
	require.Contains(t, execution.Error, "workflow executor panicked")
	require.Equal(t, []string{msg.MessageId}, f.queue.deletedIds())
}

func TestRunPanicsBeforeExecution(t *testing.T) {
	f := newRuntimeFixture(t)

	// A nil queue blows up the receive; there is no execution to record against
	runtime := NewWorkerRuntime(testConfig(), f.schedules, f.executions, nil, f.executor)
	code := runtime.Run(context.Background(), "", "")
	require.Equal(t, 1, code)
}

func TestRecoverFatalRecordsOutcome(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	schedule := f.syncSchedule(t, "wf1")
	msg := f.enqueue(t, "wf1", schedule.Id, time.Now())

	rm, err := f.queue.Receive(ctx, 0)
	require.NoError(t, err)
	execution, created, err := f.executions.CreateFromTrigger(ctx, rm.Message)
	require.NoError(t, err)
	require.True(t, created)

	runtime := f.newRuntime()
	runtime.current, runtime.currentMsg, runtime.currentRM = execution, rm.Message, rm

	code := runtime.recoverFatal("boom")
	require.Equal(t, 0, code)

	reloaded, err := f.executions.Get(ctx, execution.Id)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusError, reloaded.Status)
	require.Contains(t, reloaded.Error, "fatal error: boom")
	require.Equal(t, []string{msg.MessageId}, f.queue.deletedIds())
}

func TestRecoverFatalAfterFinalize(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	msg := NewScheduleTriggerMessage("wf1", "sched1", time.Now())
	execution, _, err := f.executions.CreateFromTrigger(ctx, msg)
	require.NoError(t, err)

	runtime := f.newRuntime()
	runtime.current = execution
	runtime.finalized.Store(true)

	// Finalize already happened and stuck: the panic does not change the outcome
	recorded, err := f.executions.Finalize(ctx, execution.Id, models.ExecutionStatusSuccess, "")
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, 0, runtime.recoverFatal("boom"))

	// Same race lost, but no terminal write landed anywhere
	other := f.newRuntime()
	orphan, _, err := f.executions.CreateFromTrigger(ctx, NewScheduleTriggerMessage("wf2", "sched2", time.Now()))
	require.NoError(t, err)
	other.current = orphan
	other.finalized.Store(true)
	require.Equal(t, 1, other.recoverFatal("boom"))
}

func TestLeaseHeartbeat(t *testing.T) {
	f := newRuntimeFixture(t)

	schedule := f.syncSchedule(t, "wf1")
	f.enqueue(t, "wf1", schedule.Id, time.Now())

	config := testConfig()
	config.Queue.VisibilityTimeout = 150 * time.Millisecond
	f.executor.delay = 400 * time.Millisecond

	runtime := NewWorkerRuntime(config, f.schedules, f.executions, f.queue, f.executor)
	code := runtime.Run(context.Background(), "", "")
	require.Equal(t, 0, code)

	// 50ms heartbeat over a 400ms run, plenty of room for jitter
	require.GreaterOrEqual(t, f.queue.leaseCount(), 2)
}

func TestShutdownWindow(t *testing.T) {
	f := newRuntimeFixture(t)
	runtime := f.newRuntime()

	require.Equal(t, 4*time.Second, runtime.ShutdownWindow())
	require.Greater(t, runtime.ShutdownWindow(), time.Duration(0))
	require.NotEmpty(t, runtime.Id())
}
