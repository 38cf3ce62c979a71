package issues

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MutationName enumerates the closed set of domain operations clients may push.
type MutationName string

const (
	MutationPutIssue           MutationName = "putIssue"
	MutationUpdateIssues       MutationName = "updateIssues"
	MutationPutIssueComment    MutationName = "putIssueComment"
	MutationDeleteIssueComment MutationName = "deleteIssueComment"
)

var (
	// ErrUnknownMutation indicates a mutation name outside the closed set.
	ErrUnknownMutation = errors.New("issues: unknown mutation")
	// ErrInvalidMutationArgs indicates a mutation payload that failed validation.
	ErrInvalidMutationArgs = errors.New("issues: invalid mutation args")
)

// IssuePayload carries the client-supplied columns of an issue. Timestamps
// and version are assigned server-side.
type IssuePayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	Creator     string `json:"creator"`
	KanbanOrder string `json:"kanbanOrder"`
}

// PutIssueArgs is the payload of a putIssue mutation.
type PutIssueArgs struct {
	Issue       IssuePayload `json:"issue"`
	Description string       `json:"description"`
}

// IssueChanges lists the mutable issue columns a partial update may touch.
// Identifier and creation metadata are deliberately absent.
type IssueChanges struct {
	Title       *string `json:"title,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Status      *string `json:"status,omitempty"`
	KanbanOrder *string `json:"kanbanOrder,omitempty"`
}

// IssueUpdate is one entry of an updateIssues mutation.
type IssueUpdate struct {
	ID                string       `json:"id"`
	IssueChanges      IssueChanges `json:"issueChanges"`
	DescriptionChange *string      `json:"descriptionChange,omitempty"`
}

// CommentPayload carries the client-supplied columns of a comment.
type CommentPayload struct {
	ID      string `json:"id"`
	IssueID string `json:"issueID"`
	Body    string `json:"body"`
	Creator string `json:"creator"`
}

// Mutation is the decoded, validated form of a pushed mutation. Exactly one
// argument field is populated, matching the name.
type Mutation struct {
	name          MutationName
	putIssue      *PutIssueArgs
	updateIssues  []IssueUpdate
	putComment    *CommentPayload
	deleteComment *CommentPayload
}

// Name returns the operation selector for this mutation.
func (m Mutation) Name() MutationName {
	return m.name
}

// DecodeMutation parses and validates a named mutation payload. Unknown
// names and malformed payloads are rejected here, before any transaction.
func DecodeMutation(rawName string, args json.RawMessage) (Mutation, error) {
	name := MutationName(strings.TrimSpace(rawName))
	switch name {
	case MutationPutIssue:
		var decoded PutIssueArgs
		if err := unmarshalArgs(name, args, &decoded); err != nil {
			return Mutation{}, err
		}
		if err := validatePutIssue(&decoded); err != nil {
			return Mutation{}, err
		}
		return Mutation{name: name, putIssue: &decoded}, nil
	case MutationUpdateIssues:
		var decoded []IssueUpdate
		if err := unmarshalArgs(name, args, &decoded); err != nil {
			return Mutation{}, err
		}
		if err := validateIssueUpdates(decoded); err != nil {
			return Mutation{}, err
		}
		return Mutation{name: name, updateIssues: decoded}, nil
	case MutationPutIssueComment:
		var decoded CommentPayload
		if err := unmarshalArgs(name, args, &decoded); err != nil {
			return Mutation{}, err
		}
		if err := validateComment(&decoded, true); err != nil {
			return Mutation{}, err
		}
		return Mutation{name: name, putComment: &decoded}, nil
	case MutationDeleteIssueComment:
		var decoded CommentPayload
		if err := unmarshalArgs(name, args, &decoded); err != nil {
			return Mutation{}, err
		}
		if err := validateComment(&decoded, false); err != nil {
			return Mutation{}, err
		}
		return Mutation{name: name, deleteComment: &decoded}, nil
	default:
		return Mutation{}, fmt.Errorf("%w: %q", ErrUnknownMutation, rawName)
	}
}

func unmarshalArgs(name MutationName, args json.RawMessage, target any) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s: missing args", ErrInvalidMutationArgs, name)
	}
	if err := json.Unmarshal(args, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMutationArgs, name, err)
	}
	return nil
}

// validatePutIssue checks the payload and canonicalizes enum values in place
// so the row store only ever sees the uppercase forms.
func validatePutIssue(args *PutIssueArgs) error {
	rowID, err := NewRowID(args.Issue.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
	}
	priority, err := NewPriority(args.Issue.Priority)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
	}
	status, err := NewStatus(args.Issue.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
	}
	args.Issue.ID = rowID.String()
	args.Issue.Priority = string(priority)
	args.Issue.Status = string(status)
	return nil
}

func validateIssueUpdates(updates []IssueUpdate) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: updateIssues: empty list", ErrInvalidMutationArgs)
	}
	for i := range updates {
		update := &updates[i]
		rowID, err := NewRowID(update.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
		}
		update.ID = rowID.String()
		if update.IssueChanges.Priority != nil {
			priority, err := NewPriority(*update.IssueChanges.Priority)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
			}
			normalized := string(priority)
			update.IssueChanges.Priority = &normalized
		}
		if update.IssueChanges.Status != nil {
			status, err := NewStatus(*update.IssueChanges.Status)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
			}
			normalized := string(status)
			update.IssueChanges.Status = &normalized
		}
	}
	return nil
}

func validateComment(comment *CommentPayload, requireIssue bool) error {
	rowID, err := NewRowID(comment.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutationArgs, err)
	}
	comment.ID = rowID.String()
	if requireIssue {
		issueID, err := NewRowID(comment.IssueID)
		if err != nil {
			return fmt.Errorf("%w: comment issue id: %v", ErrInvalidMutationArgs, err)
		}
		comment.IssueID = issueID.String()
	}
	return nil
}
