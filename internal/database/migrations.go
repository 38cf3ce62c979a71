package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanedCVRState = "2026-07-02_prune_orphaned_cvr_state"

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
		{name: migrationPruneOrphanedCVRState, apply: pruneOrphanedCVRState},
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

// pruneOrphanedCVRState drops client view state whose owning client group
// record was removed out of band.
func pruneOrphanedCVRState(db *gorm.DB) error {
	for _, statement := range []string{
		"DELETE FROM client_view WHERE client_group_id NOT IN (SELECT id FROM replicache_client_group);",
		"DELETE FROM client_view_entry WHERE client_group_id NOT IN (SELECT id FROM replicache_client_group);",
		"DELETE FROM client_view_delete_entry WHERE client_group_id NOT IN (SELECT id FROM replicache_client_group);",
	} {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
