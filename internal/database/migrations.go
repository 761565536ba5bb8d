package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedCreditBalance        = "2026-03-01_seed_credit_balance"
	migrationMinimumMessageCredits    = "2026-03-02_enforce_minimum_message_credits"
	migrationBackfillMessageDirection = "2026-03-09_backfill_message_direction"
)

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
		{name: migrationSeedCreditBalance, apply: seedCreditBalance},
		{name: migrationMinimumMessageCredits, apply: enforceMinimumMessageCredits},
		{name: migrationBackfillMessageDirection, apply: backfillMessageDirection},
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

// seedCreditBalance creates the single balance row at zero.
func seedCreditBalance(db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&credits.Balance{ID: 1, Amount: 0, UpdatedAtSeconds: time.Now().UTC().Unix()}).Error
}

// enforceMinimumMessageCredits charges legacy rows that were stored with zero credits.
func enforceMinimumMessageCredits(db *gorm.DB) error {
	return db.Model(&messages.Record{}).
		Where("credits_count < ?", 1).
		Update("credits_count", 1).Error
}

func backfillMessageDirection(db *gorm.DB) error {
	return db.Model(&messages.Record{}).
		Where("direction = ? OR direction IS NULL", "").
		Update("direction", messages.DirectionOutbound).Error
}
