package database

import (
	"errors"
	"time"

	"github.com/perimetriclabs/tidemark/internal/record"
	"github.com/perimetriclabs/tidemark/internal/survey"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearStrandedPendingFlags = "2026-07-18_clear_stranded_pending_flags"

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
		{name: migrationClearStrandedPendingFlags, apply: clearStrandedPendingFlags},
	}

	for _, migration := range migrations {
		var rec migrationRecord
		err := db.Where("name = ?", migration.name).Take(&rec).Error
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

// clearStrandedPendingFlags resets pending markers on rows whose era has
// already left the live state. Such rows can only come from uploads that were
// interrupted before their batch cleanup ran.
func clearStrandedPendingFlags(db *gorm.DB) error {
	for _, binding := range survey.Registry() {
		err := db.Table(binding.Name).
			Where("era <> ? AND (addition_pending = ? OR removal_pending = ?)", record.EraNow, true, true).
			Updates(map[string]interface{}{
				"addition_pending": false,
				"removal_pending":  false,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
