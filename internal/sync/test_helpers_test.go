package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/issues"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// testClock is an adjustable clock shared by the service and mutation store.
type testClock struct {
	ms int64
}

func (c *testClock) now() time.Time {
	return time.UnixMilli(c.ms).UTC()
}

func (c *testClock) advance(deltaMS int64) {
	c.ms += deltaMS
}

// recordingPoker captures the channels poked during a test.
type recordingPoker struct {
	mu       stdsync.Mutex
	channels []string
}

func (p *recordingPoker) Poke(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
}

func (p *recordingPoker) poked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.channels...)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingPoker) {
	t.Helper()
	return newTestServiceWithLimit(t, defaultPullRowLimit)
}

func newTestServiceWithLimit(t *testing.T, pullRowLimit int) (*Service, *gorm.DB, *recordingPoker) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	err = db.AutoMigrate(
		&issues.Issue{},
		&issues.Description{},
		&issues.Comment{},
		&ClientGroup{},
		&Client{},
		&ClientView{},
		&ClientViewEntry{},
		&ClientViewDeleteEntry{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{ms: 1700000000000}
	store, err := issues.NewStore(clock.now)
	if err != nil {
		t.Fatalf("failed to construct mutation store: %v", err)
	}
	poker := &recordingPoker{}

	service, err := NewService(ServiceConfig{
		Database:     db,
		Store:        store,
		Clock:        clock.now,
		Poker:        poker,
		PullRowLimit: pullRowLimit,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	return service, db, poker
}

func mustPush(t *testing.T, service *Service, clientGroupID, clientID string, mutationID int64, name, args string) {
	t.Helper()
	err := service.Push(context.Background(), PushRequest{
		ClientGroupID: clientGroupID,
		Mutations: []MutationEnvelope{
			{ID: mutationID, ClientID: clientID, Name: name, Args: json.RawMessage(args)},
		},
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
}

func mustPull(t *testing.T, service *Service, clientGroupID string, cookie *Cookie) *PullResponse {
	t.Helper()
	response, err := service.Pull(context.Background(), PullRequest{
		ClientGroupID: clientGroupID,
		Cookie:        cookie,
	})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	return response
}

func patchKeys(patch []PatchOp) []string {
	keys := make([]string, 0, len(patch))
	for _, op := range patch {
		keys = append(keys, op.Op+" "+op.Key)
	}
	return keys
}

func findPatchOp(patch []PatchOp, op, key string) *PatchOp {
	for i := range patch {
		if patch[i].Op == op && patch[i].Key == key {
			return &patch[i]
		}
	}
	return nil
}

func controlValue(t *testing.T, patch []PatchOp) string {
	t.Helper()
	op := findPatchOp(patch, patchOpPut, ControlKey)
	if op == nil {
		t.Fatalf("patch missing control key: %v", patchKeys(patch))
	}
	var value string
	if err := json.Unmarshal(op.Value, &value); err != nil {
		t.Fatalf("failed to decode control value: %v", err)
	}
	return value
}

func loadClient(t *testing.T, db *gorm.DB, clientID string) Client {
	t.Helper()
	var client Client
	if err := db.Where("id = ?", clientID).Take(&client).Error; err != nil {
		t.Fatalf("failed to load client %s: %v", clientID, err)
	}
	return client
}

func loadClientGroup(t *testing.T, db *gorm.DB, clientGroupID string) ClientGroup {
	t.Helper()
	var group ClientGroup
	if err := db.Where("id = ?", clientGroupID).Take(&group).Error; err != nil {
		t.Fatalf("failed to load client group %s: %v", clientGroupID, err)
	}
	return group
}

const (
	testGroup  = "group-1"
	testClient = "client-1"

	putIssueI1Args = `{
		"issue": {"id":"i1","title":"Crash on save","priority":"HIGH","status":"TODO","creator":"ada","kanbanOrder":"a1"},
		"description": "Steps to reproduce."
	}`
	markI1DoneArgs     = `[{"id":"i1","issueChanges":{"status":"DONE"}}]`
	putCommentC1Args   = `{"id":"c1","issueID":"i1","body":"same here","creator":"eve"}`
	deleteCommentCArgs = `{"id":"c1"}`
)
