package issues

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrIssueNotFound indicates a partial update aimed at an issue id with no row.
	ErrIssueNotFound = errors.New("issues: issue not found")
	errMissingClock  = errors.New("issues: clock is required")
)

// Store applies domain mutations to the issue, description, and comment
// tables. Every write runs against the transaction handle supplied by the
// caller; the store itself never opens transactions, so a rollback discards
// all of its effects.
type Store struct {
	clock func() time.Time
}

// NewStore constructs a mutation store around the given clock.
func NewStore(clock func() time.Time) (*Store, error) {
	if clock == nil {
		return nil, errMissingClock
	}
	return &Store{clock: clock}, nil
}

// Apply dispatches a decoded mutation against the row store.
func (s *Store) Apply(tx *gorm.DB, mutation Mutation) error {
	switch mutation.Name() {
	case MutationPutIssue:
		return s.putIssue(tx, *mutation.putIssue)
	case MutationUpdateIssues:
		return s.updateIssues(tx, mutation.updateIssues)
	case MutationPutIssueComment:
		return s.putComment(tx, *mutation.putComment)
	case MutationDeleteIssueComment:
		return s.deleteComment(tx, *mutation.deleteComment)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, mutation.Name())
	}
}

// putIssue upserts the issue row and its paired description. An insert
// starts the row at version 1; a conflicting id bumps the stored version by
// exactly one. The creator and created columns are never overwritten.
func (s *Store) putIssue(tx *gorm.DB, args PutIssueArgs) error {
	nowMS := s.clock().UTC().UnixMilli()

	issue := Issue{
		ID:          args.Issue.ID,
		Title:       args.Issue.Title,
		Priority:    Priority(args.Issue.Priority),
		Status:      Status(args.Issue.Status),
		ModifiedMS:  nowMS,
		CreatedMS:   nowMS,
		Creator:     args.Issue.Creator,
		KanbanOrder: args.Issue.KanbanOrder,
		Version:     1,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"title":       issue.Title,
			"priority":    issue.Priority,
			"status":      issue.Status,
			"kanbanorder": issue.KanbanOrder,
			"modified":    nowMS,
			"version":     gorm.Expr("version + 1"),
		}),
	}).Create(&issue).Error
	if err != nil {
		return err
	}

	return upsertDescription(tx, args.Issue.ID, args.Description)
}

// updateIssues applies column-level partial updates restricted to the
// mutable allow-list. The server stamps modified and bumps version on every
// touched row; description bodies version independently.
func (s *Store) updateIssues(tx *gorm.DB, updates []IssueUpdate) error {
	nowMS := s.clock().UTC().UnixMilli()

	for _, update := range updates {
		assignments := map[string]any{
			"modified": nowMS,
			"version":  gorm.Expr("version + 1"),
		}
		if update.IssueChanges.Title != nil {
			assignments["title"] = *update.IssueChanges.Title
		}
		if update.IssueChanges.Priority != nil {
			assignments["priority"] = Priority(*update.IssueChanges.Priority)
		}
		if update.IssueChanges.Status != nil {
			assignments["status"] = Status(*update.IssueChanges.Status)
		}
		if update.IssueChanges.KanbanOrder != nil {
			assignments["kanbanorder"] = *update.IssueChanges.KanbanOrder
		}

		result := tx.Model(&Issue{}).Where("id = ?", update.ID).Updates(assignments)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrIssueNotFound, update.ID)
		}

		if update.DescriptionChange != nil {
			if err := upsertDescription(tx, update.ID, *update.DescriptionChange); err != nil {
				return err
			}
		}
	}
	return nil
}

// putComment inserts an immutable comment row at version 1. A duplicate id
// surfaces as a constraint error from the driver.
func (s *Store) putComment(tx *gorm.DB, payload CommentPayload) error {
	comment := Comment{
		ID:        payload.ID,
		IssueID:   payload.IssueID,
		CreatedMS: s.clock().UTC().UnixMilli(),
		Body:      payload.Body,
		Creator:   payload.Creator,
		Version:   1,
	}
	return tx.Create(&comment).Error
}

// deleteComment hard-deletes a comment by id. Deleting an absent id is a
// no-op so that replayed deletes stay idempotent at the row level.
func (s *Store) deleteComment(tx *gorm.DB, payload CommentPayload) error {
	return tx.Where("id = ?", payload.ID).Delete(&Comment{}).Error
}

func upsertDescription(tx *gorm.DB, issueID, body string) error {
	description := Description{
		ID:      issueID,
		Body:    body,
		Version: 1,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"body":    body,
			"version": gorm.Expr("version + 1"),
		}),
	}).Create(&description).Error
}
