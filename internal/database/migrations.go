package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMembershipSIDs = "2025-06-01_backfill_membership_sids"
	migrationClearDanglingMain      = "2025-06-01_clear_dangling_main_memberships"
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
		{name: migrationBackfillMembershipSIDs, apply: backfillMembershipSIDs},
		{name: migrationClearDanglingMain, apply: clearDanglingMainMemberships},
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

// backfillMembershipSIDs copies the organization sid onto memberships imported without it.
func backfillMembershipSIDs(db *gorm.DB) error {
	return db.Exec(`UPDATE citizen_organizations
SET organization_sid = (
	SELECT organizations.organization_sid FROM organizations
	WHERE organizations.id = citizen_organizations.organization_id
)
WHERE organization_sid = ''
AND EXISTS (
	SELECT 1 FROM organizations WHERE organizations.id = citizen_organizations.organization_id
)`).Error
}

// clearDanglingMainMemberships drops main references that no longer point at one of the citizen's memberships.
func clearDanglingMainMemberships(db *gorm.DB) error {
	return db.Exec(`UPDATE citizens
SET main_membership_id = NULL
WHERE main_membership_id IS NOT NULL
AND NOT EXISTS (
	SELECT 1 FROM citizen_organizations
	WHERE citizen_organizations.id = citizens.main_membership_id
	AND citizen_organizations.citizen_id = citizens.id
)`).Error
}
