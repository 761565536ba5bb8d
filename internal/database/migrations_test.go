package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyMessages(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&messages.Record{}, &credits.Balance{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := messages.Record{
		Direction:        messages.DirectionOutbound,
		Channel:          messages.ChannelSMS,
		Message:          "",
		Status:           messages.StatusSent,
		CreatedAtSeconds: 1700000000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy message: %v", err)
	}
	if err := database.Model(&messages.Record{}).Where("id = ?", legacy.ID).
		Updates(map[string]interface{}{"credits_count": 0, "direction": ""}).Error; err != nil {
		testContext.Fatalf("failed to age legacy message: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored messages.Record
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if stored.CreditsCount != 1 {
		testContext.Fatalf("expected minimum credit of 1, got %d", stored.CreditsCount)
	}
	if stored.Direction != messages.DirectionOutbound {
		testContext.Fatalf("expected outbound direction, got %q", stored.Direction)
	}

	var balance credits.Balance
	if err := database.Where("id = ?", 1).Take(&balance).Error; err != nil {
		testContext.Fatalf("expected seeded balance row: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationMinimumMessageCredits).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "survey.db")

	database, err := Open(Config{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"survey_progress", "message_records", "credit_balances", "credit_ledger_entries", "survey_questions", "participants"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
