package models

import (
	"time"

	"github.com/uptrace/bun"
)

const tableNameSchedule = "schedules"
const tableNameExecution = "executions"

const (
	// Terminal statuses recorded on a Schedule after a run
	ScheduleStatusSuccess = "success"
	ScheduleStatusError   = "error"
)

const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusSuccess   = "success"
	ExecutionStatusError     = "error"
	ExecutionStatusCancelled = "cancelled"
)

// Schedule holds the cron trigger of a single workflow. There is at most
// one schedule row per workflow.
type Schedule struct {
	bun.BaseModel `bun:"schedules" json:"-"`

	Id         string `bun:",pk" json:"id"`
	WorkflowId string `bun:",nullzero,notnull,unique" json:"workflowId"`

	// 5- or 6-field cron expression, evaluated in Timezone
	CronExpression string `bun:",nullzero,notnull" json:"cronExpression"`

	// IANA timezone name, e.g. `America/New_York`
	Timezone string `bun:",nullzero,notnull" json:"timezone"`

	Enabled bool `bun:",notnull,default:false" json:"enabled"`

	// Precomputed next occurrence, refreshed on every dispatch fetch
	// and after every run. NULL while the schedule is disabled.
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastStatus string     `bun:",nullzero" json:"lastStatus,omitempty"`
	LastError  string     `bun:",nullzero" json:"lastError,omitempty"`

	// Incremented only on successful runs
	RunCount int64 `bun:",notnull,default:0" json:"runCount"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// Execution is the canonical run record. Once CompletedAt is set the row
// is immutable: every finalizing statement carries a `completed_at IS NULL`
// guard, so losers of a finalize race perform no write.
type Execution struct {
	bun.BaseModel `bun:"executions" json:"-"`

	Id         string `bun:",pk" json:"id"`
	WorkflowId string `bun:",nullzero,notnull" json:"workflowId"`

	Status string `bun:",nullzero,notnull" json:"status"`

	StartedAt   time.Time  `bun:",nullzero,notnull" json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Error string `bun:",nullzero" json:"error,omitempty"`

	// Set for schedule-originated runs: one execution per schedule-minute.
	// Unique where present, so a redelivered trigger re-attaches to the
	// existing row instead of creating a second one.
	DedupKey string `bun:",nullzero" json:"dedupKey,omitempty"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

func (e *Execution) IsCompleted() bool {
	return e.CompletedAt != nil
}
