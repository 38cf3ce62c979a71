package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/issues"
	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/sync"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&issues.Issue{},
		&issues.Description{},
		&issues.Comment{},
		&sync.ClientGroup{},
		&sync.Client{},
		&sync.ClientView{},
		&sync.ClientViewEntry{},
		&sync.ClientViewDeleteEntry{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
