package pkg

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flowcron/pkg/models"
	"flowcron/pkg/utils"

	"github.com/Masterminds/goutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WorkerRuntime runs exactly one workflow execution per process. The exit
// code is the contract with the supervisor: 0 whenever a terminal outcome
// was durably recorded, including recorded business failures; 1 for
// anything that left no record behind (signal termination, unreachable
// database, fatal errors before recording).
type WorkerRuntime struct {
	id string

	schedules  *ScheduleStore
	executions *ExecutionStore
	queue      TriggerQueue
	executor   WorkflowExecutor

	gracePeriod    time.Duration
	shutdownBuffer time.Duration
	receiveWait    time.Duration
	leaseInterval  time.Duration

	// Single-owner guard for the terminal write: normal completion,
	// shutdown, and fatal recovery race for it, losers write nothing
	finalized atomic.Bool

	current    *models.Execution
	currentMsg *TriggerMessage
	currentRM  *ReceivedMessage

	log *logrus.Entry
}

func NewWorkerRuntime(config *Config, schedules *ScheduleStore, executions *ExecutionStore, queue TriggerQueue, executor WorkflowExecutor) *WorkerRuntime {
	hostname, _ := os.Hostname()
	suffix, _ := goutils.RandomAlphaNumeric(6)
	id := fmt.Sprintf("worker-%s-%s", hostname, strings.ToLower(suffix))

	return &WorkerRuntime{
		id:             id,
		schedules:      schedules,
		executions:     executions,
		queue:          queue,
		executor:       executor,
		gracePeriod:    config.Worker.GracePeriod,
		shutdownBuffer: config.Worker.ShutdownBuffer,
		receiveWait:    config.Queue.ReceiveWait,
		leaseInterval:  config.Queue.VisibilityTimeout / 3,
		log:            logrus.WithField("worker", id),
	}
}

func (r *WorkerRuntime) Id() string {
	return r.id
}

// ShutdownWindow is how long the shutdown recording may take: the
// orchestrator's grace period minus a safety buffer, so the write always
// beats the hard kill.
func (r *WorkerRuntime) ShutdownWindow() time.Duration {
	return r.gracePeriod - r.shutdownBuffer
}

// Run consumes one trigger and drives the execution to a terminal state.
// When executionId is set the runtime skips the queue and picks up the
// referenced execution directly.
func (r *WorkerRuntime) Run(ctx context.Context, executionId string, workflowId string) (exitCode int) {
	defer func() {
		if rec := recover(); rec != nil {
			exitCode = r.recoverFatal(rec)
		}
	}()

	if executionId != "" {
		return r.runHanded(ctx, executionId, workflowId)
	}
	return r.runFromQueue(ctx)
}

func (r *WorkerRuntime) runFromQueue(ctx context.Context) int {
	rm, err := r.queue.Receive(ctx, r.receiveWait)
	if err != nil {
		if errors.Is(err, ErrMessageDeadLettered) {
			// Nothing processable arrived; the payload is parked for inspection
			r.log.WithError(err).Warn("received malformed trigger message")
			return 0
		}
		if ctx.Err() != nil {
			r.log.Warn("terminated while waiting for a trigger message")
			return 1
		}
		r.log.WithError(err).Error("failed to receive trigger message")
		return 1
	}
	if rm == nil {
		r.log.Info("no trigger message available")
		return 0
	}

	msg := rm.Message
	log := r.log.WithFields(msg.LogFields())

	execution, created, err := r.executions.CreateFromTrigger(ctx, msg)
	if err != nil {
		// The message stays in flight and is redelivered after the lease lapses
		log.WithError(err).Error("failed to create execution")
		return 1
	}

	if !created {
		if execution.IsCompleted() {
			log.WithField("execution", execution.Id).Info("execution already completed, dropping redelivered trigger")
			r.deleteMessage(ctx, rm, log)
			return 0
		}
		log.WithField("execution", execution.Id).Warn("resuming execution from redelivered trigger")
	}

	return r.execute(ctx, execution, msg, rm)
}

func (r *WorkerRuntime) runHanded(ctx context.Context, executionId string, workflowId string) int {
	log := r.log.WithField("execution", executionId)

	execution, err := r.executions.Start(ctx, executionId, workflowId)
	if err != nil {
		if errors.Is(err, ErrExecutionCompleted) {
			log.Info("execution already completed, nothing to run")
			return 0
		}
		log.WithError(err).Error("failed to start execution")
		return 1
	}

	return r.execute(ctx, execution, nil, nil)
}

func (r *WorkerRuntime) execute(ctx context.Context, execution *models.Execution, msg *TriggerMessage, rm *ReceivedMessage) int {
	r.current, r.currentMsg, r.currentRM = execution, msg, rm

	fields := logrus.Fields{
		"execution": execution.Id,
		"workflow":  execution.WorkflowId,
	}
	if msg != nil {
		utils.MergeMap(fields, msg.LogFields())
	}
	log := r.log.WithFields(fields)

	log.Info("starting workflow execution")

	// Keep the trigger invisible while the workflow runs
	stopHeartbeat := r.startLeaseHeartbeat(ctx, rm, log)
	defer stopHeartbeat()

	type callOutcome struct {
		result *WorkflowRunResult
		err    error
	}
	callCh := make(chan callOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				callCh <- callOutcome{nil, errors.Errorf("workflow executor panicked: %v", rec)}
			}
		}()
		result, err := r.executor.ExecuteWorkflow(ctx, execution.WorkflowId, execution.Id, msg)
		callCh <- callOutcome{result, err}
	}()

	select {
	case out := <-callCh:
		if out.err != nil && ctx.Err() != nil {
			// The call was cut short by the signal, not by the executor
			return r.finalizeTerminated(execution, msg, rm, log)
		}
		return r.finalizeOutcome(execution, msg, rm, out.result, out.err, log)
	case <-ctx.Done():
		return r.finalizeTerminated(execution, msg, rm, log)
	}
}

func (r *WorkerRuntime) finalizeOutcome(execution *models.Execution, msg *TriggerMessage, rm *ReceivedMessage, result *WorkflowRunResult, callErr error, log *logrus.Entry) int {
	if !r.finalized.CompareAndSwap(false, true) {
		// The shutdown path owns the terminal write
		return 1
	}

	if callErr != nil {
		// An unreachable executor is a recordable run failure, not an
		// infrastructure failure of this process
		result = &WorkflowRunResult{
			Success: false,
			Error:   fmt.Sprintf("workflow executor unreachable: %v", callErr),
		}
	}
	if result == nil {
		result = &WorkflowRunResult{
			Success: false,
			Error:   "workflow executor returned no result",
		}
	}

	status := models.ExecutionStatusSuccess
	if !result.Success {
		status = models.ExecutionStatusError
	}

	// The outcome is recorded even when the invoking context has already
	// been cancelled, bounded by the shutdown window
	finalizeCtx, cancel := context.WithTimeout(context.Background(), r.ShutdownWindow())
	defer cancel()

	recorded, err := r.executions.Finalize(finalizeCtx, execution.Id, status, result.Error)
	if err != nil {
		log.WithError(err).Error("failed to record execution outcome")
		return 1
	}

	if !recorded {
		// Another invocation finalized first; a durable outcome exists
		log.Warn("execution was already finalized elsewhere")
		r.deleteMessage(finalizeCtx, rm, log)
		return 0
	}

	r.updateScheduleAfterRun(finalizeCtx, msg, status, result.Error, log)
	r.deleteMessage(finalizeCtx, rm, log)

	log.WithField("status", status).Info("execution completed")
	return 0
}

func (r *WorkerRuntime) finalizeTerminated(execution *models.Execution, msg *TriggerMessage, rm *ReceivedMessage, log *logrus.Entry) int {
	log.Warn("termination signal received, recording shutdown")

	if !r.finalized.CompareAndSwap(false, true) {
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.ShutdownWindow())
	defer cancel()

	errorMessage := fmt.Sprintf("terminated by signal before completion (worker %s)", r.id)

	recorded, err := r.executions.Finalize(shutdownCtx, execution.Id, models.ExecutionStatusError, errorMessage)
	if err != nil {
		log.WithError(err).Error("failed to record termination")
		return 1
	}

	if recorded {
		r.updateScheduleAfterRun(shutdownCtx, msg, models.ScheduleStatusError, errorMessage, log)
		r.deleteMessage(shutdownCtx, rm, log)
	}

	// Signal termination is a process-level failure regardless of the write
	return 1
}

func (r *WorkerRuntime) recoverFatal(rec interface{}) int {
	log := r.log.WithField("panic", fmt.Sprintf("%v", rec))
	if r.current == nil {
		log.Error("worker runtime panicked before any execution started")
		return 1
	}

	log = log.WithField("execution", r.current.Id)
	log.Error("worker runtime panicked")

	finalizeCtx, cancel := context.WithTimeout(context.Background(), r.ShutdownWindow())
	defer cancel()

	if !r.finalized.CompareAndSwap(false, true) {
		// A terminal write already happened; check whether it stuck
		execution, err := r.executions.Get(finalizeCtx, r.current.Id)
		if err == nil && execution.IsCompleted() {
			return 0
		}
		return 1
	}

	recorded, err := r.executions.Finalize(finalizeCtx, r.current.Id, models.ExecutionStatusError, fmt.Sprintf("fatal error: %v", rec))
	if err != nil {
		log.WithError(err).Error("failed to record fatal error")
		return 1
	}
	if !recorded {
		return 1
	}

	r.updateScheduleAfterRun(finalizeCtx, r.currentMsg, models.ScheduleStatusError, "fatal error during execution", log)
	r.deleteMessage(finalizeCtx, r.currentRM, log)

	// The failure is durably recorded, which is all the exit contract asks
	return 0
}

func (r *WorkerRuntime) updateScheduleAfterRun(ctx context.Context, msg *TriggerMessage, status string, errorMessage string, log *logrus.Entry) {
	if msg == nil || msg.ScheduleId == "" {
		return
	}

	if _, err := r.schedules.UpdateAfterRun(ctx, msg.ScheduleId, status, errorMessage); err != nil {
		log.WithError(err).Error("failed to update schedule after run")
	}
}

func (r *WorkerRuntime) deleteMessage(ctx context.Context, rm *ReceivedMessage, log *logrus.Entry) {
	if rm == nil {
		return
	}

	if err := r.queue.Delete(ctx, rm); err != nil {
		// Redelivery will hit the dedup key and drop out cleanly
		log.WithError(err).Warn("failed to delete trigger message")
	}
}

func (r *WorkerRuntime) startLeaseHeartbeat(ctx context.Context, rm *ReceivedMessage, log *logrus.Entry) func() {
	if rm == nil || r.leaseInterval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.leaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.queue.ExtendLease(ctx, rm); err != nil {
					log.WithError(err).Warn("failed to extend trigger message lease")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
		})
	}
}
