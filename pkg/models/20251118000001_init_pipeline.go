package models

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewCreateTable().Model((*Schedule)(nil)).IfNotExists().Exec(ctx); err != nil {
			return err
		}

		if _, err := db.NewCreateTable().Model((*Execution)(nil)).IfNotExists().Exec(ctx); err != nil {
			return err
		}

		if _, err := db.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_enabled ON %s (enabled)", tableNameSchedule, tableNameSchedule)); err != nil {
			return err
		}

		if _, err := db.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_workflow_id ON %s (workflow_id)", tableNameExecution, tableNameExecution)); err != nil {
			return err
		}

		// The dedup key is only present on schedule-originated executions
		if _, err := db.Exec(fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s_dedup_key ON %s (dedup_key) WHERE dedup_key IS NOT NULL", tableNameExecution, tableNameExecution)); err != nil {
			return err
		}

		return nil
	}, nil)
}
