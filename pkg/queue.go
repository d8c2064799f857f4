package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrMessageDeadLettered marks a receive that pulled a malformed payload:
// the payload has been moved to the dead letter list and acknowledged, so
// there is nothing left to process.
var ErrMessageDeadLettered = errors.New("malformed trigger message moved to dead letters")

// TriggerQueue is the durable at-least-once queue between the dispatcher
// and the workers. Received messages stay invisible for the visibility
// timeout; messages neither deleted nor lease-extended in time are
// redelivered.
type TriggerQueue interface {
	Enqueue(ctx context.Context, msg *TriggerMessage) error

	// Receive long-polls for up to wait and returns nil, nil when no
	// message arrived
	Receive(ctx context.Context, wait time.Duration) (*ReceivedMessage, error)

	// Delete acknowledges a received message for good
	Delete(ctx context.Context, rm *ReceivedMessage) error

	// ExtendLease renews the visibility of an in-flight message
	ExtendLease(ctx context.Context, rm *ReceivedMessage) error

	// ReclaimExpired moves messages whose lease has lapsed back to the
	// ready list and returns how many were moved
	ReclaimExpired(ctx context.Context) (int, error)

	DeadLetter(ctx context.Context, payload string, reason string) error
	ListDead(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	ReplayDead(ctx context.Context, count int) (int, error)

	Depths(ctx context.Context) (*QueueDepths, error)
}

type ReceivedMessage struct {
	Message *TriggerMessage

	// Exact list payload, needed to acknowledge the entry
	raw string
}

type DeadLetterEntry struct {
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
	Payload string    `json:"payload"`
}

type QueueDepths struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

type RedisTriggerQueue struct {
	rdb        *redis.Client
	ns         string
	visibility time.Duration
}

var _ TriggerQueue = (*RedisTriggerQueue)(nil)
var _ CycleStatsRecorder = (*RedisTriggerQueue)(nil)

func NewRedisTriggerQueue(config *QueueConfig) (*RedisTriggerQueue, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse queue url")
	}

	return &RedisTriggerQueue{
		rdb:        redis.NewClient(opt),
		ns:         config.Namespace,
		visibility: config.VisibilityTimeout,
	}, nil
}

func (q *RedisTriggerQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return errors.WithMessage(err, "failed to connect to queue")
	}
	return nil
}

func (q *RedisTriggerQueue) Close() error {
	return q.rdb.Close()
}

func (q *RedisTriggerQueue) keyReady() string      { return q.ns + ":triggers:ready" }
func (q *RedisTriggerQueue) keyProcessing() string { return q.ns + ":triggers:processing" }
func (q *RedisTriggerQueue) keyDead() string       { return q.ns + ":triggers:dead" }
func (q *RedisTriggerQueue) keyLastCycle() string  { return q.ns + ":dispatch:last_cycle" }
func (q *RedisTriggerQueue) keyCycleCount() string { return q.ns + ":dispatch:cycles" }

func (q *RedisTriggerQueue) keyLease(messageId string) string {
	return q.ns + ":triggers:lease:" + messageId
}

func (q *RedisTriggerQueue) Enqueue(ctx context.Context, msg *TriggerMessage) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := q.rdb.RPush(ctx, q.keyReady(), raw).Err(); err != nil {
		return errors.WithMessage(err, "failed to enqueue trigger message")
	}

	return nil
}

func (q *RedisTriggerQueue) Receive(ctx context.Context, wait time.Duration) (*ReceivedMessage, error) {
	raw, err := q.rdb.BLMove(ctx, q.keyReady(), q.keyProcessing(), "LEFT", "RIGHT", wait).Result()
	if err == redis.Nil {
		// Long-poll elapsed without a message
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to receive trigger message")
	}

	msg, decodeErr := DecodeTriggerMessage(raw)
	if decodeErr != nil {
		if err := q.deadLetterProcessingEntry(ctx, raw, decodeErr.Error()); err != nil {
			logrus.WithError(err).Error("failed to dead-letter malformed trigger message")
		}
		return nil, errors.WithMessagef(ErrMessageDeadLettered, "%v", decodeErr)
	}

	leaseValue := time.Now().Format(time.RFC3339)
	if err := q.rdb.Set(ctx, q.keyLease(msg.MessageId), leaseValue, q.visibility).Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to set trigger message lease")
	}

	return &ReceivedMessage{Message: msg, raw: raw}, nil
}

func (q *RedisTriggerQueue) Delete(ctx context.Context, rm *ReceivedMessage) error {
	if err := q.rdb.LRem(ctx, q.keyProcessing(), 1, rm.raw).Err(); err != nil {
		return errors.WithMessage(err, "failed to delete trigger message")
	}

	if err := q.rdb.Del(ctx, q.keyLease(rm.Message.MessageId)).Err(); err != nil {
		return errors.WithMessage(err, "failed to delete trigger message lease")
	}

	return nil
}

func (q *RedisTriggerQueue) ExtendLease(ctx context.Context, rm *ReceivedMessage) error {
	ok, err := q.rdb.Expire(ctx, q.keyLease(rm.Message.MessageId), q.visibility).Result()
	if err != nil {
		return errors.WithMessage(err, "failed to extend trigger message lease")
	}
	if !ok {
		return errors.Errorf("lease for message %s no longer exists", rm.Message.MessageId)
	}
	return nil
}

// ReclaimExpired walks the processing list and moves every entry without
// a live lease back to the ready list. The move is atomic per entry, so a
// crash can duplicate a delivery but never lose one.
func (q *RedisTriggerQueue) ReclaimExpired(ctx context.Context) (int, error) {
	raws, err := q.rdb.LRange(ctx, q.keyProcessing(), 0, -1).Result()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to list in-flight trigger messages")
	}

	reclaimed := 0
	for _, raw := range raws {
		msg, decodeErr := DecodeTriggerMessage(raw)
		if decodeErr != nil {
			// Poison entry stuck in processing
			if err := q.deadLetterProcessingEntry(ctx, raw, decodeErr.Error()); err != nil {
				return reclaimed, err
			}
			continue
		}

		exists, err := q.rdb.Exists(ctx, q.keyLease(msg.MessageId)).Result()
		if err != nil {
			return reclaimed, errors.WithMessage(err, "failed to check trigger message lease")
		}
		if exists > 0 {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.RPush(ctx, q.keyReady(), raw)
		pipe.LRem(ctx, q.keyProcessing(), 1, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, errors.WithMessage(err, "failed to reclaim trigger message")
		}

		reclaimed++
		logrus.WithField("message", msg.MessageId).Warn("reclaimed trigger message with expired lease")
	}

	return reclaimed, nil
}

func (q *RedisTriggerQueue) DeadLetter(ctx context.Context, payload string, reason string) error {
	entry := &DeadLetterEntry{
		At:      time.Now(),
		Reason:  reason,
		Payload: payload,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.WithMessage(err, "failed to encode dead letter entry")
	}

	if err := q.rdb.RPush(ctx, q.keyDead(), string(raw)).Err(); err != nil {
		return errors.WithMessage(err, "failed to push dead letter entry")
	}

	return nil
}

// deadLetterProcessingEntry buries a payload currently sitting in the
// processing list.
func (q *RedisTriggerQueue) deadLetterProcessingEntry(ctx context.Context, raw string, reason string) error {
	if err := q.DeadLetter(ctx, raw, reason); err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, q.keyProcessing(), 1, raw).Err(); err != nil {
		return errors.WithMessage(err, "failed to remove dead-lettered message from processing")
	}
	return nil
}

func (q *RedisTriggerQueue) ListDead(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	raws, err := q.rdb.LRange(ctx, q.keyDead(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list dead letter entries")
	}

	var entries []*DeadLetterEntry
	for _, raw := range raws {
		entry := new(DeadLetterEntry)
		if err := json.Unmarshal([]byte(raw), entry); err != nil {
			// Pre-envelope or hand-inserted entries
			entry = &DeadLetterEntry{Payload: raw}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (q *RedisTriggerQueue) ReplayDead(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = 1
	}

	replayed := 0
	for i := 0; i < count; i++ {
		raw, err := q.rdb.LPop(ctx, q.keyDead()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return replayed, errors.WithMessage(err, "failed to pop dead letter entry")
		}

		entry := new(DeadLetterEntry)
		if err := json.Unmarshal([]byte(raw), entry); err != nil || entry.Payload == "" {
			// Cannot recover the original payload, keep the entry buried
			if err := q.rdb.RPush(ctx, q.keyDead(), raw).Err(); err != nil {
				return replayed, errors.WithMessage(err, "failed to restore dead letter entry")
			}
			continue
		}

		if err := q.rdb.RPush(ctx, q.keyReady(), entry.Payload).Err(); err != nil {
			return replayed, errors.WithMessage(err, "failed to replay dead letter entry")
		}
		replayed++
	}

	return replayed, nil
}

func (q *RedisTriggerQueue) Depths(ctx context.Context) (*QueueDepths, error) {
	depths := new(QueueDepths)

	var err error
	if depths.Ready, err = q.rdb.LLen(ctx, q.keyReady()).Result(); err != nil {
		return nil, errors.WithMessage(err, "failed to read ready depth")
	}
	if depths.Processing, err = q.rdb.LLen(ctx, q.keyProcessing()).Result(); err != nil {
		return nil, errors.WithMessage(err, "failed to read processing depth")
	}
	if depths.Dead, err = q.rdb.LLen(ctx, q.keyDead()).Result(); err != nil {
		return nil, errors.WithMessage(err, "failed to read dead depth")
	}

	return depths, nil
}

// RecordCycle keeps the last dispatch cycle and a total cycle counter in
// Redis, cheap enough to write on every cycle and read from the stats
// endpoint.
func (q *RedisTriggerQueue) RecordCycle(ctx context.Context, result *CycleResult) error {
	fields := map[string]interface{}{
		"cycleId":   result.CycleId,
		"startedAt": result.StartedAt.Format(time.RFC3339),
		"evaluated": result.Evaluated,
		"triggered": result.Triggered,
		"skipped":   result.Skipped,
		"errors":    result.Errors,
		"reclaimed": result.Reclaimed,
		"elapsedMS": result.Elapsed.Milliseconds(),
	}

	if err := q.rdb.HSet(ctx, q.keyLastCycle(), fields).Err(); err != nil {
		return errors.WithMessage(err, "failed to record cycle stats")
	}

	if err := q.rdb.Incr(ctx, q.keyCycleCount()).Err(); err != nil {
		return errors.WithMessage(err, "failed to increment cycle counter")
	}

	return nil
}

func (q *RedisTriggerQueue) LastCycleStats(ctx context.Context) (map[string]string, error) {
	stats, err := q.rdb.HGetAll(ctx, q.keyLastCycle()).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read cycle stats")
	}

	cycles, err := q.rdb.Get(ctx, q.keyCycleCount()).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.WithMessage(err, "failed to read cycle counter")
	}
	if cycles != "" {
		stats["cycles"] = cycles
	}

	return stats, nil
}

func (q *RedisTriggerQueue) String() string {
	return fmt.Sprintf("redis trigger queue (ns=%s)", q.ns)
}
