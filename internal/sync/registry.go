package sync

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClientGroup is the per-client-group registry row. CVRVersion is the
// watermark of the last CVR produced for the group; nil means the group has
// never completed a non-empty pull. ClientVersion advances by one for every
// mutation applied from any client in the group.
type ClientGroup struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	CVRVersion     *int64 `gorm:"column:cvrversion"`
	ClientVersion  int64  `gorm:"column:clientversion;not null;default:0"`
	LastModifiedMS int64  `gorm:"column:lastmodified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientGroup) TableName() string {
	return "replicache_client_group"
}

// Client is the per-client registry row. LastMutationID is the id of the
// last mutation accepted from this client; ids must arrive strictly
// increasing and gapless.
type Client struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	ClientGroupID  string `gorm:"column:clientgroupid;size:190;not null;index"`
	LastMutationID int64  `gorm:"column:lastmutationid;not null;default:0"`
	ClientVersion  int64  `gorm:"column:clientversion;not null;default:0"`
	LastModifiedMS int64  `gorm:"column:lastmodified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Client) TableName() string {
	return "replicache_client"
}

// clientGroupForUpdate loads and row-locks the group record, or returns a
// zero-valued default for a group the server has never seen. The group lock
// is the serialization point for all pulls and pushes touching the group
// and must be taken before any other table access.
func clientGroupForUpdate(tx *gorm.DB, clientGroupID string) (ClientGroup, error) {
	var group ClientGroup
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", clientGroupID).
		Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientGroup{ID: clientGroupID}, nil
	}
	if err != nil {
		return ClientGroup{}, err
	}
	return group, nil
}

// clientForUpdate loads and row-locks the client record, or returns a
// zero-valued default owned by the given group. A client id already bound
// to a different group is reported via errClientGroupMismatch.
func clientForUpdate(tx *gorm.DB, clientID, clientGroupID string) (Client, error) {
	var client Client
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", clientID).
		Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Client{ID: clientID, ClientGroupID: clientGroupID}, nil
	}
	if err != nil {
		return Client{}, err
	}
	if client.ClientGroupID != clientGroupID {
		return Client{}, errClientGroupMismatch
	}
	return client, nil
}

var errClientGroupMismatch = errors.New("sync: client belongs to another client group")

// changedClients returns lastMutationID per client in the group whose
// clientVersion advanced past the given base.
func changedClients(tx *gorm.DB, clientGroupID string, sinceClientVersion int64) (map[string]int64, error) {
	var clients []Client
	err := tx.Where("clientgroupid = ? AND clientversion > ?", clientGroupID, sinceClientVersion).
		Find(&clients).Error
	if err != nil {
		return nil, err
	}
	changes := make(map[string]int64, len(clients))
	for _, client := range clients {
		changes[client.ID] = client.LastMutationID
	}
	return changes, nil
}
