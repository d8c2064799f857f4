package pkg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerMessageRoundtrip(t *testing.T) {
	triggerTime := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	msg := NewScheduleTriggerMessage("wf1", "sched1", triggerTime)

	require.NotEmpty(t, msg.MessageId)
	require.Equal(t, TriggerTypeSchedule, msg.TriggerType)

	raw, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeTriggerMessage(raw)
	require.NoError(t, err)

	require.Equal(t, msg.MessageId, decoded.MessageId)
	require.Equal(t, msg.WorkflowId, decoded.WorkflowId)
	require.Equal(t, msg.ScheduleId, decoded.ScheduleId)
	require.Equal(t, msg.TriggerTime.UnixMilli(), decoded.TriggerTime.UnixMilli())
	require.Equal(t, msg.TriggerType, decoded.TriggerType)
}

func TestDecodeTriggerMessage(t *testing.T) {
	tests := []struct {
		payload string
		ok      bool
	}{
		{`{"messageId":"m1","workflowId":"wf1","scheduleId":"s1","triggerTime":"2024-06-03T10:00:00Z","triggerType":"schedule"}`, true},
		// Not JSON at all
		{"", false},
		{"{", false},
		{"not json", false},
		// Schema violations
		{"{}", false},
		{`{"messageId":"m1","scheduleId":"s1","triggerTime":"2024-06-03T10:00:00Z","triggerType":"schedule"}`, false},
		{`{"messageId":"m1","workflowId":"wf1","scheduleId":"s1","triggerType":"schedule"}`, false},
		// Only schedule triggers travel on the queue
		{`{"messageId":"m1","workflowId":"wf1","scheduleId":"s1","triggerTime":"2024-06-03T10:00:00Z","triggerType":"manual"}`, false},
		{`{"messageId":"m1","workflowId":"wf1","scheduleId":"s1","triggerTime":"2024-06-03T10:00:00Z","triggerType":"webhook"}`, false},
	}

	for idx, test := range tests {
		msg, err := DecodeTriggerMessage(test.payload)
		if test.ok {
			require.NoError(t, err, "test %d", idx)
			require.NotNil(t, msg, "test %d", idx)
		} else {
			require.Error(t, err, "test %d", idx)
		}
	}
}

func TestTriggerMessageDedupKey(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	base := time.Date(2024, 6, 3, 10, 0, 12, 0, time.UTC)

	msgA := NewScheduleTriggerMessage("wf1", "sched1", base)
	msgB := NewScheduleTriggerMessage("wf1", "sched1", base.Add(40*time.Second))

	// Two deliveries within the same schedule-minute share the key
	require.Equal(t, msgA.DedupKey(), msgB.DedupKey())

	// The key is computed in UTC, so the wall-clock location is irrelevant
	msgC := NewScheduleTriggerMessage("wf1", "sched1", base.In(newYork))
	require.Equal(t, msgA.DedupKey(), msgC.DedupKey())

	// A different minute or schedule yields a different key
	msgD := NewScheduleTriggerMessage("wf1", "sched1", base.Add(time.Minute))
	require.NotEqual(t, msgA.DedupKey(), msgD.DedupKey())

	msgE := NewScheduleTriggerMessage("wf1", "sched2", base)
	require.NotEqual(t, msgA.DedupKey(), msgE.DedupKey())

	require.Equal(t, "sched1@2024-06-03T10:00:00Z", msgA.DedupKey())
}

func TestTriggerMessageLogFields(t *testing.T) {
	msg := NewScheduleTriggerMessage("wf1", "sched1", time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))

	fields := msg.LogFields()
	require.Equal(t, msg.MessageId, fields["message"])
	require.Equal(t, "wf1", fields["workflow"])
	require.Equal(t, "sched1", fields["schedule"])
	require.Equal(t, "2024-06-03T10:00:00Z", fields["triggerTime"])
}
