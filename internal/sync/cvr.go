package sync

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// syncTable names a row-store table participating in sync. The set is
// closed; table names are interpolated into SQL only from these constants.
type syncTable string

const (
	tableIssue       syncTable = "issue"
	tableDescription syncTable = "description"
	tableComment     syncTable = "comment"
)

// ClientView binds a CVR watermark to the group clientVersion that was
// current when the watermark was produced.
type ClientView struct {
	ClientGroupID string `gorm:"column:client_group_id;primaryKey;size:190;not null"`
	Version       int64  `gorm:"column:version;primaryKey"`
	ClientVersion int64  `gorm:"column:client_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientView) TableName() string {
	return "client_view"
}

// ClientViewEntry records the last row version delivered to a client group
// for one row. One entry per (group, table, row); upserted last-write-wins.
type ClientViewEntry struct {
	ClientGroupID     string `gorm:"column:client_group_id;primaryKey;size:190;not null"`
	Table             string `gorm:"column:tbl;primaryKey;size:32;not null"`
	RowID             string `gorm:"column:row_id;primaryKey;size:190;not null"`
	ClientViewVersion int64  `gorm:"column:client_view_version;not null;index"`
	RowVersion        int64  `gorm:"column:row_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientViewEntry) TableName() string {
	return "client_view_entry"
}

// ClientViewDeleteEntry is a tombstone recording that a delete for a row was
// delivered at a given watermark. The watermark is part of the key so
// deletes of successive incarnations of the same row id coexist.
type ClientViewDeleteEntry struct {
	ClientGroupID     string `gorm:"column:client_group_id;primaryKey;size:190;not null"`
	ClientViewVersion int64  `gorm:"column:client_view_version;primaryKey"`
	Table             string `gorm:"column:tbl;primaryKey;size:32;not null"`
	RowID             string `gorm:"column:row_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientViewDeleteEntry) TableName() string {
	return "client_view_delete_entry"
}

// rowRef identifies one row at one version for CVR bookkeeping.
type rowRef struct {
	ID      string
	Version int64
}

// getCVR looks up the snapshot for a claimed watermark. A nil result means
// the watermark is unknown to the server (never produced or pruned) and the
// caller must treat the client as new.
func getCVR(tx *gorm.DB, clientGroupID string, order int64) (*ClientView, error) {
	var view ClientView
	err := tx.Where("client_group_id = ? AND version = ?", clientGroupID, order).
		Take(&view).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// putCVR upserts the snapshot keyed by (group, watermark).
func putCVR(tx *gorm.DB, view ClientView) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_group_id"}, {Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"client_version"}),
	}).Create(&view).Error
}

// unsentCondition selects rows whose (id, version) has not been delivered to
// the group at or below the given watermark. It covers both never-sent rows
// and rows resent at a newer version; the caller distinguishes the two by
// the presence of a prior entry, not here. An entry superseded by a
// delivered delete no longer counts: a row recreated under the same id (and
// so starting over at version 1) must be sent again.
func unsentCondition(table syncTable) string {
	return fmt.Sprintf(`NOT EXISTS (
		SELECT 1 FROM client_view_entry e
		WHERE e.client_group_id = ? AND e.tbl = ?
		AND e.row_id = %s.id AND e.row_version = %s.version
		AND e.client_view_version <= ?
		AND NOT EXISTS (
			SELECT 1 FROM client_view_delete_entry d
			WHERE d.client_group_id = e.client_group_id AND d.tbl = e.tbl
			AND d.row_id = e.row_id
			AND d.client_view_version <= ?
			AND d.client_view_version >= e.client_view_version))`, table, table)
}

// findDeletions returns row ids the group has received that no longer exist
// in the table and whose deletion has not yet been delivered. A tombstone
// older than the entry's own watermark belongs to a previous incarnation of
// the row id and does not suppress a fresh delete.
func findDeletions(tx *gorm.DB, table syncTable, clientGroupID string, order int64, limit int) ([]string, error) {
	query := fmt.Sprintf(`SELECT e.row_id FROM client_view_entry e
		WHERE e.client_group_id = ? AND e.tbl = ? AND e.client_view_version <= ?
		AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.id = e.row_id)
		AND NOT EXISTS (
			SELECT 1 FROM client_view_delete_entry d
			WHERE d.client_group_id = e.client_group_id AND d.tbl = e.tbl
			AND d.row_id = e.row_id
			AND d.client_view_version <= ?
			AND d.client_view_version >= e.client_view_version)
		ORDER BY e.row_id LIMIT ?`, table)

	var rowIDs []string
	err := tx.Raw(query, clientGroupID, string(table), order, order, limit).
		Scan(&rowIDs).Error
	if err != nil {
		return nil, err
	}
	return rowIDs, nil
}

// recordUpdates upserts CVR entries for rows delivered at the new
// watermark, last write wins per (group, table, row).
func recordUpdates(tx *gorm.DB, table syncTable, clientGroupID string, order int64, refs []rowRef) error {
	if len(refs) == 0 {
		return nil
	}
	entries := make([]ClientViewEntry, 0, len(refs))
	for _, ref := range refs {
		entries = append(entries, ClientViewEntry{
			ClientGroupID:     clientGroupID,
			Table:             string(table),
			RowID:             ref.ID,
			ClientViewVersion: order,
			RowVersion:        ref.Version,
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_group_id"}, {Name: "tbl"}, {Name: "row_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"client_view_version", "row_version"}),
	}).Create(&entries).Error
}

// recordDeletes inserts delete tombstones at the new watermark. No upsert:
// tombstones at earlier watermarks are retained.
func recordDeletes(tx *gorm.DB, table syncTable, clientGroupID string, order int64, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	tombstones := make([]ClientViewDeleteEntry, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		tombstones = append(tombstones, ClientViewDeleteEntry{
			ClientGroupID:     clientGroupID,
			ClientViewVersion: order,
			Table:             string(table),
			RowID:             rowID,
		})
	}
	return tx.Create(&tombstones).Error
}

// dropCVREntries removes entries and tombstones recorded beyond the given
// watermark. They describe data the client never acknowledged receiving and
// must be recomputed by a later pull.
func dropCVREntries(tx *gorm.DB, clientGroupID string, order int64) error {
	err := tx.Where("client_group_id = ? AND client_view_version > ?", clientGroupID, order).
		Delete(&ClientViewEntry{}).Error
	if err != nil {
		return err
	}
	return tx.Where("client_group_id = ? AND client_view_version > ?", clientGroupID, order).
		Delete(&ClientViewDeleteEntry{}).Error
}
