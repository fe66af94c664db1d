package database

import (
	"path/filepath"
	"testing"

	"github.com/fleetmanager/backend/internal/citizens"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&citizens.Organization{}, &citizens.Citizen{}, &citizens.Membership{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsRepairsLegacyMemberships(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	organization := citizens.Organization{ID: "org-1", OrganizationSID: "FLK"}
	if err := database.Create(&organization).Error; err != nil {
		testContext.Fatalf("failed to insert organization: %v", err)
	}
	dangling := "missing-membership"
	citizen := citizens.Citizen{ID: "citizen-1", Handle: "ionni", MainMembershipID: &dangling}
	if err := database.Omit(clause.Associations).Create(&citizen).Error; err != nil {
		testContext.Fatalf("failed to insert citizen: %v", err)
	}
	membership := citizens.Membership{ID: "membership-1", CitizenID: citizen.ID, OrganizationID: organization.ID, Rank: 2}
	if err := database.Omit(clause.Associations).Create(&membership).Error; err != nil {
		testContext.Fatalf("failed to insert membership: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedMembership citizens.Membership
	if err := database.Where("id = ?", membership.ID).Take(&storedMembership).Error; err != nil {
		testContext.Fatalf("failed to reload membership: %v", err)
	}
	if storedMembership.OrganizationSID != "FLK" {
		testContext.Fatalf("expected organization sid to be backfilled, got %q", storedMembership.OrganizationSID)
	}

	var storedCitizen citizens.Citizen
	if err := database.Where("id = ?", citizen.ID).Take(&storedCitizen).Error; err != nil {
		testContext.Fatalf("failed to reload citizen: %v", err)
	}
	if storedCitizen.MainMembershipID != nil {
		testContext.Fatalf("expected dangling main membership to be cleared, got %q", *storedCitizen.MainMembershipID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillMembershipSIDs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	dangling := "missing-membership"
	citizen := citizens.Citizen{ID: "citizen-1", Handle: "ionni", MainMembershipID: &dangling}
	if err := database.Omit(clause.Associations).Create(&citizen).Error; err != nil {
		testContext.Fatalf("failed to insert citizen: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var storedCitizen citizens.Citizen
	if err := database.Where("id = ?", citizen.ID).Take(&storedCitizen).Error; err != nil {
		testContext.Fatalf("failed to reload citizen: %v", err)
	}
	if storedCitizen.MainMembershipID == nil {
		testContext.Fatalf("expected recorded migrations to be skipped")
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected two migration records, got %d", count)
	}
}

func TestOpenMigratesSQLite(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "fleet.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range []interface{}{&citizens.Organization{}, &citizens.Citizen{}, &citizens.Membership{}, &citizens.MembershipChange{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}

	if _, err := Open("mysql", databasePath, zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
