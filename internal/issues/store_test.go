package issues

import (
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, clock func() time.Time) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Issue{}, &Description{}, &Comment{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(clock)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func fixedClock(unixMS int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(unixMS).UTC()
	}
}

func mustDecode(t *testing.T, name, args string) Mutation {
	t.Helper()
	mutation, err := DecodeMutation(name, []byte(args))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return mutation
}

const putIssueI1 = `{
	"issue": {"id":"i1","title":"Crash on save","priority":"HIGH","status":"TODO","creator":"ada","kanbanOrder":"a1"},
	"description": "Steps to reproduce."
}`

func TestPutIssueInsertsAtVersionOne(t *testing.T) {
	store, db := newTestStore(t, fixedClock(1700000000000))

	if err := store.Apply(db, mustDecode(t, "putIssue", putIssueI1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var issue Issue
	if err := db.First(&issue).Error; err != nil {
		t.Fatalf("failed to load issue: %v", err)
	}
	if issue.Version != 1 {
		t.Fatalf("expected version 1, got %d", issue.Version)
	}
	if issue.CreatedMS != 1700000000000 || issue.ModifiedMS != 1700000000000 {
		t.Fatalf("expected server timestamps, got created=%d modified=%d", issue.CreatedMS, issue.ModifiedMS)
	}

	var description Description
	if err := db.First(&description).Error; err != nil {
		t.Fatalf("failed to load description: %v", err)
	}
	if description.ID != "i1" || description.Version != 1 {
		t.Fatalf("unexpected description %+v", description)
	}
}

func TestPutIssueConflictBumpsVersionAndKeepsCreation(t *testing.T) {
	store, db := newTestStore(t, fixedClock(1700000000000))
	if err := store.Apply(db, mustDecode(t, "putIssue", putIssueI1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later, _ := NewStore(fixedClock(1700000500000))
	retitled := `{
		"issue": {"id":"i1","title":"Crash on save (confirmed)","priority":"URGENT","status":"IN_PROGRESS","creator":"eve","kanbanOrder":"a2"},
		"description": "Updated repro."
	}`
	if err := later.Apply(db, mustDecode(t, "putIssue", retitled)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var issue Issue
	if err := db.First(&issue).Error; err != nil {
		t.Fatalf("failed to load issue: %v", err)
	}
	if issue.Version != 2 {
		t.Fatalf("expected version 2 after upsert, got %d", issue.Version)
	}
	if issue.Creator != "ada" {
		t.Fatalf("creator must not change on upsert, got %s", issue.Creator)
	}
	if issue.CreatedMS != 1700000000000 {
		t.Fatalf("created must not change on upsert, got %d", issue.CreatedMS)
	}
	if issue.ModifiedMS != 1700000500000 {
		t.Fatalf("expected modified refresh, got %d", issue.ModifiedMS)
	}
	if issue.Title != "Crash on save (confirmed)" {
		t.Fatalf("unexpected title %q", issue.Title)
	}

	var description Description
	if err := db.First(&description).Error; err != nil {
		t.Fatalf("failed to load description: %v", err)
	}
	if description.Version != 2 || description.Body != "Updated repro." {
		t.Fatalf("unexpected description %+v", description)
	}
}

func TestUpdateIssuesAppliesAllowListedColumns(t *testing.T) {
	store, db := newTestStore(t, fixedClock(1700000000000))
	if err := store.Apply(db, mustDecode(t, "putIssue", putIssueI1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later, _ := NewStore(fixedClock(1700000900000))
	update := `[{"id":"i1","issueChanges":{"status":"DONE"},"descriptionChange":"resolved"}]`
	if err := later.Apply(db, mustDecode(t, "updateIssues", update)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var issue Issue
	if err := db.First(&issue).Error; err != nil {
		t.Fatalf("failed to load issue: %v", err)
	}
	if issue.Status != StatusDone {
		t.Fatalf("expected status DONE, got %s", issue.Status)
	}
	if issue.Title != "Crash on save" {
		t.Fatalf("untouched column changed: %q", issue.Title)
	}
	if issue.Version != 2 {
		t.Fatalf("expected version 2, got %d", issue.Version)
	}
	if issue.ModifiedMS != 1700000900000 {
		t.Fatalf("expected modified refresh, got %d", issue.ModifiedMS)
	}

	var description Description
	if err := db.First(&description).Error; err != nil {
		t.Fatalf("failed to load description: %v", err)
	}
	if description.Body != "resolved" || description.Version != 2 {
		t.Fatalf("unexpected description %+v", description)
	}
}

func TestUpdateIssuesMissingRowFails(t *testing.T) {
	store, db := newTestStore(t, fixedClock(1700000000000))
	err := store.Apply(db, mustDecode(t, "updateIssues", `[{"id":"ghost","issueChanges":{"status":"DONE"}}]`))
	if !errors.Is(err, ErrIssueNotFound) {
		t.Fatalf("expected issue not found error, got %v", err)
	}
}

func TestCommentLifecycle(t *testing.T) {
	store, db := newTestStore(t, fixedClock(1700000000000))
	if err := store.Apply(db, mustDecode(t, "putIssue", putIssueI1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	putComment := `{"id":"c1","issueID":"i1","body":"same here","creator":"eve"}`
	if err := store.Apply(db, mustDecode(t, "putIssueComment", putComment)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var comment Comment
	if err := db.First(&comment).Error; err != nil {
		t.Fatalf("failed to load comment: %v", err)
	}
	if comment.Version != 1 || comment.IssueID != "i1" {
		t.Fatalf("unexpected comment %+v", comment)
	}

	if err := store.Apply(db, mustDecode(t, "deleteIssueComment", `{"id":"c1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var count int64
	if err := db.Model(&Comment{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count comments: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected comment hard-deleted, found %d", count)
	}

	// Deleting an id that no longer exists stays a no-op.
	if err := store.Apply(db, mustDecode(t, "deleteIssueComment", `{"id":"c1"}`)); err != nil {
		t.Fatalf("unexpected error on replayed delete: %v", err)
	}
}

func TestPutCommentDuplicateIDFails(t *testing.T) {
	store, db := newTestStore(t, fixedClock(1700000000000))
	putComment := `{"id":"c1","issueID":"i1","body":"first","creator":"ada"}`
	if err := store.Apply(db, mustDecode(t, "putIssueComment", putComment)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Apply(db, mustDecode(t, "putIssueComment", putComment)); err == nil {
		t.Fatalf("expected constraint error on duplicate comment id")
	}
}
