package pkg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaintenanceJobs(t *testing.T) {
	queue := newMemQueue()
	m := NewMaintenance(queue)

	require.Len(t, m.cron.Entries(), 2)

	m.reclaimExpired()
	require.Equal(t, 1, queue.reclaimCalls)

	require.NoError(t, queue.DeadLetter(context.Background(), "payload", "reason"))
	m.reportDepths()

	m.Start()
	m.Stop()
}

func TestMaintenanceStopWaitsForRunningJob(t *testing.T) {
	queue := newMemQueue()
	m := NewMaintenance(queue)

	m.Start()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance did not stop in time")
	}
}
