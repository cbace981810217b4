package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedGlobalRoom = "2025-01-01_seed_global_room"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(tx *gorm.DB, now time.Time) error
}

var migrations = []migrationDefinition{
	{name: migrationSeedGlobalRoom, apply: rooms.EnsureGlobalRoom},
}

// applyMigrations runs each pending migration and its bookkeeping row in one
// transaction, so a failed migration is retried on the next start.
func applyMigrations(db *gorm.DB, now func() time.Time, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup migration %s: %w", migration.name, err)
		}

		appliedAt := now().UTC()
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, appliedAt); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt.Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}
