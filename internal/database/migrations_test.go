package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/somnia/internal/journal"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsClientRequestIDs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&journal.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := journal.Record{
		UserID:           "user-1",
		ClientRequestID:  "",
		LocalID:          1722000000000,
		PayloadJSON:      `{"id":1722000000000,"title":"legacy"}`,
		CreatedAtSeconds: 1722000000,
		UpdatedAtSeconds: 1722000000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored journal.Record
	if err := database.Where("user_id = ? AND local_id = ?", legacy.UserID, legacy.LocalID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.ClientRequestID != "dream-1722000000000" {
		testContext.Fatalf("expected backfilled request id, got %q", stored.ClientRequestID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillClientRequestIDs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to be a no-op: %v", err)
	}
}
