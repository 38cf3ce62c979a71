package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/issues"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// ControlKey is the reserved patch key reporting sync completeness.
	ControlKey = "control/partialSync"
	// ControlValueComplete signals the client cache has drained the snapshot.
	ControlValueComplete = "COMPLETE"

	patchOpClear = "clear"
	patchOpPut   = "put"
	patchOpDel   = "del"
)

// Cookie is the watermark token a client presents to resume sync.
type Cookie struct {
	ClientGroupID string `json:"clientGroupID"`
	Order         int64  `json:"order"`
}

// PullRequest is the wire shape of a pull call.
type PullRequest struct {
	ClientGroupID string  `json:"clientGroupID"`
	Cookie        *Cookie `json:"cookie"`
}

// PatchOp is one entry of the ordered patch a pull response carries.
type PatchOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PullResponse is the wire shape of a pull result.
type PullResponse struct {
	Cookie                Cookie           `json:"cookie"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOp        `json:"patch"`
}

// pullPage is one LIMIT-budgeted increment of creates/updates/deletes.
type pullPage struct {
	issues           []issues.Issue
	descriptions     []issues.Description
	comments         []issues.Comment
	issueDeletions   []string
	descDeletions    []string
	commentDeletions []string
}

func (p pullPage) size() int {
	return len(p.issues) + len(p.descriptions) + len(p.comments) +
		len(p.issueDeletions) + len(p.descDeletions) + len(p.commentDeletions)
}

func (p pullPage) empty() bool {
	return p.size() == 0
}

// Pull computes the next incremental patch for a client group, persists the
// new CVR state, and returns the patch plus a continuation cookie. The whole
// call is one transaction serialized on the group row lock.
func (s *Service) Pull(ctx context.Context, request PullRequest) (*PullResponse, error) {
	if err := validateClientGroupID(opPull, request.ClientGroupID); err != nil {
		return nil, err
	}
	if request.Cookie != nil && request.Cookie.ClientGroupID != request.ClientGroupID {
		return nil, newValidationError(opPull, "cookie_group_mismatch",
			fmt.Errorf("cookie client group %q does not match request %q",
				request.Cookie.ClientGroupID, request.ClientGroupID))
	}

	var response *PullResponse
	txErr := s.inTransaction(ctx, func(tx *gorm.DB) error {
		built, err := s.pullInTx(tx, request)
		if err != nil {
			return err
		}
		response = built
		return nil
	})
	if txErr != nil {
		s.logError(opPull, "transaction_failed", txErr,
			zap.String("client_group_id", request.ClientGroupID))
		return nil, txErr
	}
	return response, nil
}

func (s *Service) pullInTx(tx *gorm.DB, request PullRequest) (*PullResponse, error) {
	group, err := clientGroupForUpdate(tx, request.ClientGroupID)
	if err != nil {
		return nil, newServiceError(opPull, "group_lock_failed", err)
	}

	// Resolve the base CVR. An unknown or absent cookie watermark means the
	// client is treated as new and receives everything.
	var baseOrder, baseClientVersion int64
	hadBaseCVR := false
	if request.Cookie != nil {
		view, err := getCVR(tx, request.ClientGroupID, request.Cookie.Order)
		if err != nil {
			return nil, newServiceError(opPull, "cvr_lookup_failed", err)
		}
		if view != nil {
			baseOrder = view.Version
			baseClientVersion = view.ClientVersion
			hadBaseCVR = true
		}
	}

	// Entries beyond the acknowledged watermark describe data the client
	// never received; invalidate them so this pull recomputes them.
	if err := dropCVREntries(tx, request.ClientGroupID, baseOrder); err != nil {
		return nil, newServiceError(opPull, "cvr_drop_failed", err)
	}

	mutationChanges, err := changedClients(tx, request.ClientGroupID, baseClientVersion)
	if err != nil {
		return nil, newServiceError(opPull, "client_scan_failed", err)
	}

	page, err := s.computePage(tx, request.ClientGroupID, baseOrder)
	if err != nil {
		return nil, err
	}

	if page.empty() {
		// An empty pull is a no-op on the CVR store and keeps the watermark.
		return &PullResponse{
			Cookie:                Cookie{ClientGroupID: request.ClientGroupID, Order: baseOrder},
			LastMutationIDChanges: mutationChanges,
			Patch:                 []PatchOp{},
		}, nil
	}

	// A forked group may carry data at the cookie's watermark even though
	// this server never produced a CVR for it; seed the sequence from there.
	prevOrder := int64(0)
	if group.CVRVersion != nil {
		prevOrder = *group.CVRVersion
	} else if request.Cookie != nil {
		prevOrder = request.Cookie.Order
	}
	nextOrder := prevOrder + 1

	group.CVRVersion = &nextOrder
	group.LastModifiedMS = s.nowMS()
	if err := tx.Save(&group).Error; err != nil {
		return nil, newServiceError(opPull, "group_save_failed", err)
	}
	view := ClientView{
		ClientGroupID: request.ClientGroupID,
		Version:       nextOrder,
		ClientVersion: group.ClientVersion,
	}
	if err := putCVR(tx, view); err != nil {
		return nil, newServiceError(opPull, "cvr_save_failed", err)
	}
	if err := s.recordPage(tx, request.ClientGroupID, nextOrder, page); err != nil {
		return nil, err
	}

	patch, err := s.buildPatch(page, hadBaseCVR, nextOrder)
	if err != nil {
		return nil, err
	}

	return &PullResponse{
		Cookie:                Cookie{ClientGroupID: request.ClientGroupID, Order: nextOrder},
		LastMutationIDChanges: mutationChanges,
		Patch:                 patch,
	}, nil
}

// computePage drains the shared row budget in a fixed category order so the
// worst-case query cost stays bounded: issue, description, and comment
// upserts first, then deletions in the same table order.
func (s *Service) computePage(tx *gorm.DB, clientGroupID string, baseOrder int64) (pullPage, error) {
	var page pullPage
	remaining := s.pullRowLimit

	err := tx.Where(unsentCondition(tableIssue), clientGroupID, string(tableIssue), baseOrder, baseOrder).
		Order("id").Limit(remaining).Find(&page.issues).Error
	if err != nil {
		return pullPage{}, newServiceError(opPull, "issue_scan_failed", err)
	}
	remaining -= len(page.issues)

	if remaining > 0 {
		err = tx.Where(unsentCondition(tableDescription), clientGroupID, string(tableDescription), baseOrder, baseOrder).
			Order("id").Limit(remaining).Find(&page.descriptions).Error
		if err != nil {
			return pullPage{}, newServiceError(opPull, "description_scan_failed", err)
		}
		remaining -= len(page.descriptions)
	}

	if remaining > 0 {
		err = tx.Where(unsentCondition(tableComment), clientGroupID, string(tableComment), baseOrder, baseOrder).
			Order("id").Limit(remaining).Find(&page.comments).Error
		if err != nil {
			return pullPage{}, newServiceError(opPull, "comment_scan_failed", err)
		}
		remaining -= len(page.comments)
	}

	for _, deletion := range []struct {
		table  syncTable
		target *[]string
	}{
		{tableIssue, &page.issueDeletions},
		{tableDescription, &page.descDeletions},
		{tableComment, &page.commentDeletions},
	} {
		if remaining <= 0 {
			break
		}
		rowIDs, err := findDeletions(tx, deletion.table, clientGroupID, baseOrder, remaining)
		if err != nil {
			return pullPage{}, newServiceError(opPull, "deletion_scan_failed", err)
		}
		*deletion.target = rowIDs
		remaining -= len(rowIDs)
	}

	return page, nil
}

func (s *Service) recordPage(tx *gorm.DB, clientGroupID string, order int64, page pullPage) error {
	issueRefs := make([]rowRef, 0, len(page.issues))
	for _, row := range page.issues {
		issueRefs = append(issueRefs, rowRef{ID: row.ID, Version: row.Version})
	}
	descRefs := make([]rowRef, 0, len(page.descriptions))
	for _, row := range page.descriptions {
		descRefs = append(descRefs, rowRef{ID: row.ID, Version: row.Version})
	}
	commentRefs := make([]rowRef, 0, len(page.comments))
	for _, row := range page.comments {
		commentRefs = append(commentRefs, rowRef{ID: row.ID, Version: row.Version})
	}

	if err := recordUpdates(tx, tableIssue, clientGroupID, order, issueRefs); err != nil {
		return newServiceError(opPull, "record_updates_failed", err)
	}
	if err := recordUpdates(tx, tableDescription, clientGroupID, order, descRefs); err != nil {
		return newServiceError(opPull, "record_updates_failed", err)
	}
	if err := recordUpdates(tx, tableComment, clientGroupID, order, commentRefs); err != nil {
		return newServiceError(opPull, "record_updates_failed", err)
	}
	if err := recordDeletes(tx, tableIssue, clientGroupID, order, page.issueDeletions); err != nil {
		return newServiceError(opPull, "record_deletes_failed", err)
	}
	if err := recordDeletes(tx, tableDescription, clientGroupID, order, page.descDeletions); err != nil {
		return newServiceError(opPull, "record_deletes_failed", err)
	}
	if err := recordDeletes(tx, tableComment, clientGroupID, order, page.commentDeletions); err != nil {
		return newServiceError(opPull, "record_deletes_failed", err)
	}
	return nil
}

func (s *Service) buildPatch(page pullPage, hadBaseCVR bool, nextOrder int64) ([]PatchOp, error) {
	patch := make([]PatchOp, 0, page.size()+2)
	if !hadBaseCVR {
		patch = append(patch, PatchOp{Op: patchOpClear})
	}

	for _, row := range page.issues {
		op, err := putOp(string(tableIssue), row.ID, row)
		if err != nil {
			return nil, newServiceError(opPull, "patch_encode_failed", err)
		}
		patch = append(patch, op)
	}
	for _, row := range page.descriptions {
		op, err := putOp(string(tableDescription), row.ID, row)
		if err != nil {
			return nil, newServiceError(opPull, "patch_encode_failed", err)
		}
		patch = append(patch, op)
	}
	for _, row := range page.comments {
		op, err := putOp(string(tableComment), row.ID, row)
		if err != nil {
			return nil, newServiceError(opPull, "patch_encode_failed", err)
		}
		patch = append(patch, op)
	}
	for _, rowID := range page.issueDeletions {
		patch = append(patch, PatchOp{Op: patchOpDel, Key: patchKey(string(tableIssue), rowID)})
	}
	for _, rowID := range page.descDeletions {
		patch = append(patch, PatchOp{Op: patchOpDel, Key: patchKey(string(tableDescription), rowID)})
	}
	for _, rowID := range page.commentDeletions {
		patch = append(patch, PatchOp{Op: patchOpDel, Key: patchKey(string(tableComment), rowID)})
	}

	controlValue := ControlValueComplete
	if page.size() >= s.pullRowLimit {
		controlValue = fmt.Sprintf("INCOMPLETE_%d", nextOrder)
	}
	encoded, err := json.Marshal(controlValue)
	if err != nil {
		return nil, newServiceError(opPull, "patch_encode_failed", err)
	}
	patch = append(patch, PatchOp{Op: patchOpPut, Key: ControlKey, Value: encoded})

	return patch, nil
}

func patchKey(table, rowID string) string {
	return table + "/" + rowID
}

func putOp(table, rowID string, value any) (PatchOp, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return PatchOp{}, err
	}
	return PatchOp{Op: patchOpPut, Key: patchKey(table, rowID), Value: encoded}, nil
}
