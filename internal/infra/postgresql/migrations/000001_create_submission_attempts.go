package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/repository"
	"gorm.io/gorm"
)

func createSubmissionAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_submission_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SubmissionAttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_submission_attempts_batch_row ON submission_attempts (batch_id, row_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SubmissionAttemptModel{})
		},
	}
}
