package pkg

import (
	"encoding/json"
	"fmt"
	"time"

	"flowcron/pkg/utils"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Trigger type carried by queue messages
	TriggerTypeSchedule = "schedule"

	// Trigger type reported for executions handed to the worker directly,
	// outside the schedule pipeline
	TriggerTypeManual = "manual"
)

// Only schedule triggers travel on the queue. Anything else is treated
// as a malformed message and dead-lettered.
var validQueueTriggerTypes = []string{TriggerTypeSchedule}

// TriggerMessage is the wire payload of the trigger queue. The schema is
// explicit and validated on receive, so a malformed or truncated payload
// is rejected as a whole instead of being partially processed.
type TriggerMessage struct {
	MessageId   string    `json:"messageId" validate:"required"`
	WorkflowId  string    `json:"workflowId" validate:"required"`
	ScheduleId  string    `json:"scheduleId" validate:"required"`
	TriggerTime time.Time `json:"triggerTime" validate:"required"`
	TriggerType string    `json:"triggerType" validate:"required"`
}

func NewScheduleTriggerMessage(workflowId string, scheduleId string, triggerTime time.Time) *TriggerMessage {
	return &TriggerMessage{
		MessageId:   uuid.NewString(),
		WorkflowId:  workflowId,
		ScheduleId:  scheduleId,
		TriggerTime: triggerTime,
		TriggerType: TriggerTypeSchedule,
	}
}

func (m *TriggerMessage) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", errors.WithMessage(err, "failed to encode trigger message")
	}
	return string(raw), nil
}

// DedupKey identifies the schedule-minute this trigger belongs to. Two
// deliveries of the same logical trigger always produce the same key.
func (m *TriggerMessage) DedupKey() string {
	return fmt.Sprintf("%s@%s", m.ScheduleId, m.TriggerTime.UTC().Truncate(time.Minute).Format(time.RFC3339))
}

func (m *TriggerMessage) LogFields() logrus.Fields {
	return logrus.Fields{
		"message":     m.MessageId,
		"workflow":    m.WorkflowId,
		"schedule":    m.ScheduleId,
		"triggerTime": m.TriggerTime.Format(time.RFC3339),
	}
}

func DecodeTriggerMessage(raw string) (*TriggerMessage, error) {
	msg := new(TriggerMessage)
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		return nil, errors.WithMessage(err, "failed to decode trigger message")
	}

	if err := validate.Struct(msg); err != nil {
		return nil, errors.WithMessage(err, "invalid trigger message")
	}

	if !utils.StringSliceContains(validQueueTriggerTypes, msg.TriggerType) {
		return nil, errors.Errorf("invalid trigger type: %s", msg.TriggerType)
	}

	return msg, nil
}
