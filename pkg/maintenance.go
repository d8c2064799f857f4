package pkg

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	maintenanceReclaimSchedule = "@every 30s"
	maintenanceDepthSchedule   = "@every 1m"
	maintenanceOpTimeout       = 15 * time.Second
)

// Maintenance owns the periodic queue housekeeping that runs inside the
// server process: reclaiming expired leases and reporting queue depths.
// The dispatcher also reclaims at the start of each cycle; this loop only
// bounds how long an orphaned message can linger when no cycle runs.
type Maintenance struct {
	queue TriggerQueue
	cron  *cron.Cron
}

func NewMaintenance(queue TriggerQueue) *Maintenance {
	cronLogger := cron.PrintfLogger(logrus.StandardLogger())

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	m := &Maintenance{
		queue: queue,
		cron:  c,
	}

	if _, err := c.AddFunc(maintenanceReclaimSchedule, m.reclaimExpired); err != nil {
		logrus.WithError(err).Fatal("failed to register reclaim job")
	}
	if _, err := c.AddFunc(maintenanceDepthSchedule, m.reportDepths); err != nil {
		logrus.WithError(err).Fatal("failed to register depth report job")
	}

	return m
}

func (m *Maintenance) Start() {
	m.cron.Start()
	logrus.Info("queue maintenance started")
}

// Stop blocks until any running job has finished.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	logrus.Info("queue maintenance stopped")
}

func (m *Maintenance) reclaimExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceOpTimeout)
	defer cancel()

	reclaimed, err := m.queue.ReclaimExpired(ctx)
	if err != nil {
		logrus.WithError(err).Error("failed to reclaim expired trigger messages")
		return
	}

	if reclaimed > 0 {
		logrus.WithField("reclaimed", reclaimed).Warn("reclaimed expired trigger messages")
	}
}

func (m *Maintenance) reportDepths() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceOpTimeout)
	defer cancel()

	depths, err := m.queue.Depths(ctx)
	if err != nil {
		logrus.WithError(err).Error("failed to read queue depths")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"ready":      depths.Ready,
		"processing": depths.Processing,
		"dead":       depths.Dead,
	})

	if depths.Dead > 0 {
		log.Warn("trigger queue depths")
	} else {
		log.Debug("trigger queue depths")
	}
}
