package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/perimetriclabs/tidemark/internal/record"
	"github.com/perimetriclabs/tidemark/internal/survey"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsClearsStrandedPendingFlags(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&survey.Patient{}, &survey.Survey{}, &survey.SurveyItem{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	// A finalized row left mid-upload with its pending flag still set.
	stranded := survey.Patient{Forename: "Ada"}
	stranded.DeviceID = 5
	stranded.Era = record.EraAt(time.Unix(1690000000, 0))
	stranded.LocalID = 3
	stranded.Current = true
	stranded.AdditionPending = true
	if err := database.Create(&stranded).Error; err != nil {
		testContext.Fatalf("failed to insert stranded row: %v", err)
	}

	// A live row may legitimately carry a pending flag and must be untouched.
	live := survey.Patient{Forename: "Bea"}
	live.DeviceID = 5
	live.Era = record.EraNow
	live.LocalID = 4
	live.Current = true
	live.AdditionPending = true
	if err := database.Create(&live).Error; err != nil {
		testContext.Fatalf("failed to insert live row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var repaired survey.Patient
	if err := database.Where("local_id = ?", 3).Take(&repaired).Error; err != nil {
		testContext.Fatalf("failed to reload stranded row: %v", err)
	}
	if repaired.AdditionPending {
		testContext.Fatalf("expected stranded pending flag to be cleared")
	}

	var untouched survey.Patient
	if err := database.Where("local_id = ?", 4).Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload live row: %v", err)
	}
	if !untouched.AdditionPending {
		testContext.Fatalf("expected live pending flag to survive")
	}

	var applied migrationRecord
	if err := database.Where("name = ?", migrationClearStrandedPendingFlags).Take(&applied).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if applied.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
