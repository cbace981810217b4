package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var fixedClock = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }

func TestApplyMigrationsSeedsGlobalRoomOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&rooms.Room{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, fixedClock, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored rooms.Room
	if err := database.Where("id = ?", rooms.GlobalRoomID).Take(&stored).Error; err != nil {
		testContext.Fatalf("expected global room to be seeded: %v", err)
	}
	if !stored.IsPublic || stored.Name != "Global ChatRoom" || stored.Topic != "General" {
		testContext.Fatalf("unexpected global room: %+v", stored)
	}

	// A deleted global room stays deleted once the migration is recorded.
	if err := database.Delete(&rooms.Room{}, "id = ?", rooms.GlobalRoomID).Error; err != nil {
		testContext.Fatalf("failed to delete global room: %v", err)
	}
	if err := applyMigrations(database, fixedClock, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var count int64
	if err := database.Model(&rooms.Room{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count rooms: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected recorded migration to be skipped, found %d rooms", count)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedGlobalRoom).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds != fixedClock().Unix() {
		testContext.Fatalf("expected migration timestamp %d, got %d", fixedClock().Unix(), record.AppliedAtSeconds)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "polychat.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"users", "chatrooms", "room_members", "messages", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	reopened, err := OpenSQLite(databasePath, nil)
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	reopenedSQL, err := reopened.DB()
	if err != nil {
		testContext.Fatalf("failed to access reopened sql handle: %v", err)
	}
	defer reopenedSQL.Close()
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
