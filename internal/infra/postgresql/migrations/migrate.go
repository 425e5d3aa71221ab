package migrations

import (
	"github.com/fieldtrace/syncpipe/internal/queue"
	"github.com/fieldtrace/syncpipe/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_confirmations",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ConfirmationModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_confirmations_state_captured ON confirmations (sync_state, captured_at)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_confirmations_verification_hash ON confirmations (verification_hash)`,
					`CREATE INDEX IF NOT EXISTS idx_confirmations_shipment_id ON confirmations (shipment_id)`,
					`CREATE INDEX IF NOT EXISTS idx_confirmations_external_shipment_id ON confirmations (external_shipment_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ConfirmationModel{})
			},
		},
		{
			ID: "000002_create_sync_jobs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&queue.JobModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_jobs_due ON sync_jobs (scheduled_at) WHERE status = 'PENDING'`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&queue.JobModel{})
			},
		},
		{
			ID: "000003_create_sync_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.SyncAttemptModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_attempts_confirmation_id ON sync_attempts (confirmation_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.SyncAttemptModel{})
			},
		},
		{
			ID: "000004_create_sync_transitions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.SyncTransitionModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_transitions_confirmation_id ON sync_transitions (confirmation_id, created_at)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.SyncTransitionModel{})
			},
		},
	})

	return m.Migrate()
}
