package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillClientRequestIDs = "2026-07-14_backfill_client_request_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillClientRequestIDs, apply: backfillClientRequestIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the idempotency key column existed carry an empty
// client_request_id. The backfill mirrors how clients derive keys from the
// local identifier so retried creates keep deduplicating.
func backfillClientRequestIDs(db *gorm.DB) error {
	return db.Model(&journal.Record{}).
		Where("client_request_id = ?", "").
		Update("client_request_id", gorm.Expr("'dream-' || local_id")).Error
}
