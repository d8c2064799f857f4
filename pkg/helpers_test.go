package pkg

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"flowcron/pkg/models"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/migrate"
	_ "modernc.org/sqlite"
)

// newTestDB opens an in-memory SQLite database with the full migration
// set applied. The store queries avoid Postgres-only clauses, so the same
// code paths run here and in production.
func newTestDB(t *testing.T) *bun.DB {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	// A second connection would see a different in-memory database
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, models.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func testConfig() *Config {
	config := defaultConfig()
	config.Queue.VisibilityTimeout = 3 * time.Second
	config.Queue.ReceiveWait = 100 * time.Millisecond
	config.Worker.GracePeriod = 5 * time.Second
	config.Worker.ShutdownBuffer = 1 * time.Second
	return config
}

// memQueue is an in-memory TriggerQueue for tests that exercise the
// dispatcher, the worker runtime and the API without a Redis instance.
type memQueue struct {
	mu sync.Mutex

	ready      []*TriggerMessage
	processing map[string]*TriggerMessage
	dead       []*DeadLetterEntry
	deleted    []string

	enqueueErr error
	receiveErr error

	leaseExtensions int
	reclaimCalls    int
}

var _ TriggerQueue = (*memQueue)(nil)

func newMemQueue() *memQueue {
	return &memQueue{
		processing: make(map[string]*TriggerMessage),
	}
}

func (q *memQueue) Enqueue(ctx context.Context, msg *TriggerMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.enqueueErr != nil {
		return q.enqueueErr
	}

	q.ready = append(q.ready, msg)
	return nil
}

func (q *memQueue) Receive(ctx context.Context, wait time.Duration) (*ReceivedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.receiveErr != nil {
		return nil, q.receiveErr
	}

	if len(q.ready) == 0 {
		return nil, nil
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.processing[msg.MessageId] = msg

	raw, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	return &ReceivedMessage{Message: msg, raw: raw}, nil
}

func (q *memQueue) Delete(ctx context.Context, rm *ReceivedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, rm.Message.MessageId)
	q.deleted = append(q.deleted, rm.Message.MessageId)
	return nil
}

func (q *memQueue) ExtendLease(ctx context.Context, rm *ReceivedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.leaseExtensions++
	return nil
}

func (q *memQueue) ReclaimExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimCalls++
	return 0, nil
}

func (q *memQueue) DeadLetter(ctx context.Context, payload string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dead = append(q.dead, &DeadLetterEntry{
		At:      time.Now(),
		Reason:  reason,
		Payload: payload,
	})
	return nil
}

func (q *memQueue) ListDead(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}

	entries := make([]*DeadLetterEntry, limit)
	copy(entries, q.dead[:limit])
	return entries, nil
}

func (q *memQueue) ReplayDead(ctx context.Context, count int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if count <= 0 {
		count = 1
	}

	replayed := 0
	for replayed < count && len(q.dead) > 0 {
		entry := q.dead[0]
		q.dead = q.dead[1:]

		msg, err := DecodeTriggerMessage(entry.Payload)
		if err != nil {
			continue
		}

		q.ready = append(q.ready, msg)
		replayed++
	}

	return replayed, nil
}

func (q *memQueue) Depths(ctx context.Context) (*QueueDepths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return &QueueDepths{
		Ready:      int64(len(q.ready)),
		Processing: int64(len(q.processing)),
		Dead:       int64(len(q.dead)),
	}, nil
}

func (q *memQueue) readyLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *memQueue) deletedIds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.deleted...)
}

func (q *memQueue) leaseCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.leaseExtensions
}

type fakeScheduleSource struct {
	refs []*ScheduleRef
	err  error
}

func (s *fakeScheduleSource) FetchEnabledSchedules(ctx context.Context) ([]*ScheduleRef, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.refs, nil
}

type fakeStatsRecorder struct {
	mu       sync.Mutex
	recorded []*CycleResult
	err      error
}

func (r *fakeStatsRecorder) RecordCycle(ctx context.Context, result *CycleResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.recorded = append(r.recorded, result)
	return nil
}

// fakeExecutor stands in for the workflow executor service. The delay is
// a plain sleep on purpose, so a cancelled context is observed by the
// runtime select and not by the call itself.
type fakeExecutor struct {
	mu     sync.Mutex
	result *WorkflowRunResult
	err    error
	delay  time.Duration
	panics bool

	calls           int
	lastWorkflowId  string
	lastExecutionId string
	lastTrigger     *TriggerMessage
}

func (e *fakeExecutor) ExecuteWorkflow(ctx context.Context, workflowId string, executionId string, trigger *TriggerMessage) (*WorkflowRunResult, error) {
	e.mu.Lock()
	e.calls++
	e.lastWorkflowId = workflowId
	e.lastExecutionId = executionId
	e.lastTrigger = trigger
	delay := e.delay
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if e.panics {
		panic("executor exploded")
	}

	if e.err != nil {
		return nil, e.err
	}
	if e.result != nil {
		return e.result, nil
	}
	return &WorkflowRunResult{Success: true}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
