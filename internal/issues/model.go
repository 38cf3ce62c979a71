package issues

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRowID indicates that a row identifier is empty or exceeds storage bounds.
	ErrInvalidRowID = errors.New("issues: invalid row id")
	// ErrInvalidPriority indicates an unknown issue priority value.
	ErrInvalidPriority = errors.New("issues: invalid priority")
	// ErrInvalidStatus indicates an unknown issue status value.
	ErrInvalidStatus = errors.New("issues: invalid status")
)

// RowID represents a validated row identifier shared by all synced tables.
type RowID string

// NewRowID validates raw input and returns a RowID.
func NewRowID(rawInput string) (RowID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRowID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRowID, maxIdentifierLength)
	}
	return RowID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RowID) String() string {
	return string(id)
}

// Priority enumerates the issue priority scale.
type Priority string

const (
	PriorityNone   Priority = "NONE"
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// NewPriority validates raw input and returns a Priority.
func NewPriority(rawInput string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case PriorityNone:
		return PriorityNone, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, rawInput)
	}
}

// Status enumerates the issue workflow states.
type Status string

const (
	StatusBacklog    Status = "BACKLOG"
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusCanceled   Status = "CANCELED"
)

// NewStatus validates raw input and returns a Status.
func NewStatus(rawInput string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case StatusBacklog:
		return StatusBacklog, nil
	case StatusTodo:
		return StatusTodo, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusDone:
		return StatusDone, nil
	case StatusCanceled:
		return StatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// Issue models a tracked issue row. The server owns the modified/created
// timestamps and the per-row version counter; clients never supply them.
type Issue struct {
	ID          string   `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Title       string   `gorm:"column:title;type:text;not null" json:"title"`
	Priority    Priority `gorm:"column:priority;size:16;not null" json:"priority"`
	Status      Status   `gorm:"column:status;size:16;not null" json:"status"`
	ModifiedMS  int64    `gorm:"column:modified;not null" json:"modified"`
	CreatedMS   int64    `gorm:"column:created;not null" json:"created"`
	Creator     string   `gorm:"column:creator;size:190;not null" json:"creator"`
	KanbanOrder string   `gorm:"column:kanbanorder;size:190;not null" json:"kanbanOrder"`
	Version     int64    `gorm:"column:version;not null;default:1" json:"version"`
}

// TableName provides the explicit table binding for GORM.
func (Issue) TableName() string {
	return "issue"
}

// Description models the long-form body paired one-to-one with an issue.
type Description struct {
	ID      string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Body    string `gorm:"column:body;type:text;not null" json:"body"`
	Version int64  `gorm:"column:version;not null;default:1" json:"version"`
}

// TableName provides the explicit table binding for GORM.
func (Description) TableName() string {
	return "description"
}

// Comment models a single comment on an issue. Comment rows are immutable
// after creation; they are only ever inserted or hard-deleted.
type Comment struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	IssueID   string `gorm:"column:issueid;size:190;not null;index" json:"issueID"`
	CreatedMS int64  `gorm:"column:created;not null" json:"created"`
	Body      string `gorm:"column:body;type:text;not null" json:"body"`
	Creator   string `gorm:"column:creator;size:190;not null" json:"creator"`
	Version   int64  `gorm:"column:version;not null;default:1" json:"version"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comment"
}
