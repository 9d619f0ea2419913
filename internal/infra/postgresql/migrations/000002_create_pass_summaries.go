package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/repository"
	"gorm.io/gorm"
)

func createPassSummariesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_pass_summaries",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PassSummaryModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_pass_summaries_batch_id ON batch_pass_summaries (batch_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PassSummaryModel{})
		},
	}
}
