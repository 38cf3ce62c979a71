package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/sync"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "lodestar_test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db := openTestDatabase(t)

	for _, table := range []string{
		"issue", "description", "comment",
		"replicache_client_group", "replicache_client",
		"client_view", "client_view_entry", "client_view_delete_entry",
		"db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s after migration", table)
		}
	}

	var record migrationRecord
	err := db.Where("name = ?", migrationPruneOrphanedCVRState).Take(&record).Error
	if err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
}

func TestPruneOrphanedCVRState(t *testing.T) {
	db := openTestDatabase(t)

	group := sync.ClientGroup{ID: "group-live", ClientVersion: 1, LastModifiedMS: 1}
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("failed to seed client group: %v", err)
	}
	liveView := sync.ClientView{ClientGroupID: "group-live", Version: 1, ClientVersion: 1}
	orphanView := sync.ClientView{ClientGroupID: "group-gone", Version: 1, ClientVersion: 1}
	if err := db.Create(&liveView).Error; err != nil {
		t.Fatalf("failed to seed client view: %v", err)
	}
	if err := db.Create(&orphanView).Error; err != nil {
		t.Fatalf("failed to seed orphan view: %v", err)
	}
	orphanEntry := sync.ClientViewEntry{
		ClientGroupID: "group-gone", Table: "issue", RowID: "i1",
		ClientViewVersion: 1, RowVersion: 1,
	}
	if err := db.Create(&orphanEntry).Error; err != nil {
		t.Fatalf("failed to seed orphan entry: %v", err)
	}
	orphanTombstone := sync.ClientViewDeleteEntry{
		ClientGroupID: "group-gone", Table: "issue", RowID: "i2", ClientViewVersion: 1,
	}
	if err := db.Create(&orphanTombstone).Error; err != nil {
		t.Fatalf("failed to seed orphan tombstone: %v", err)
	}

	if err := pruneOrphanedCVRState(db); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	var views []sync.ClientView
	if err := db.Find(&views).Error; err != nil {
		t.Fatalf("failed to load views: %v", err)
	}
	if len(views) != 1 || views[0].ClientGroupID != "group-live" {
		t.Fatalf("expected only live view to survive, got %+v", views)
	}
	var entryCount int64
	if err := db.Model(&sync.ClientViewEntry{}).Count(&entryCount).Error; err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if entryCount != 0 {
		t.Fatalf("expected orphan entries pruned, got %d", entryCount)
	}
	var tombstoneCount int64
	if err := db.Model(&sync.ClientViewDeleteEntry{}).Count(&tombstoneCount).Error; err != nil {
		t.Fatalf("failed to count tombstones: %v", err)
	}
	if tombstoneCount != 0 {
		t.Fatalf("expected orphan tombstones pruned, got %d", tombstoneCount)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := openTestDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second migration pass failed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single migration record, got %d", count)
	}
}
