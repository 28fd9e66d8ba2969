// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Each test gets a fresh database in a temp directory

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{
		ID:    "abc12345",
		Task:  "write the release notes",
		Model: "claude-sonnet-4-20250514",
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != AgentStatusIdle {
		t.Errorf("expected default status idle, got %q", got.Status)
	}
	if got.Name != "agent-abc12345" {
		t.Errorf("expected derived name, got %q", got.Name)
	}
	if got.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %q", got.Priority)
	}
	if got.Task != agent.Task {
		t.Errorf("task mismatch: %q != %q", got.Task, agent.Task)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAgent(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{ID: "a1", Task: "t"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	status := AgentStatusFailed
	errMsg := "model returned 500"
	if err := s.UpdateAgent(ctx, "a1", AgentUpdate{Status: &status, Error: &errMsg}); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != AgentStatusFailed {
		t.Errorf("expected status failed, got %q", got.Status)
	}
	if got.Error != errMsg {
		t.Errorf("expected error preserved verbatim, got %q", got.Error)
	}
}

func TestUpdateAgentNotFound(t *testing.T) {
	s := newTestStore(t)

	status := AgentStatusRunning
	err := s.UpdateAgent(context.Background(), "nope", AgentUpdate{Status: &status})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAgentsStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, a := range []*Agent{
		{ID: "a1", Task: "t", Status: AgentStatusRunning},
		{ID: "a2", Task: "t", Status: AgentStatusRunning},
		{ID: "a3", Task: "t", Status: AgentStatusCompleted},
	} {
		if err := s.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	all, err := s.ListAgents(ctx, "")
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 agents, got %d", len(all))
	}

	running, err := s.ListAgents(ctx, AgentStatusRunning)
	if err != nil {
		t.Fatalf("ListAgents with filter failed: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("expected 2 running agents, got %d", len(running))
	}
}

func TestResolveAgentByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, &Agent{ID: "a1", Name: "builder", Task: "t", Status: AgentStatusRunning}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if err := s.CreateAgent(ctx, &Agent{ID: "a2", Name: "retired", Task: "t", Status: AgentStatusCompleted}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.ResolveAgentByName(ctx, "builder")
	if err != nil {
		t.Fatalf("ResolveAgentByName failed: %v", err)
	}
	if got.ID != "a1" {
		t.Errorf("expected a1, got %q", got.ID)
	}

	// Terminal agents are not resolvable by name.
	_, err = s.ResolveAgentByName(ctx, "retired")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for completed agent, got %v", err)
	}
}

func TestTaskAgentIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		if err := s.CreateAgent(ctx, &Agent{ID: id, Task: "t"}); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	// Root task plus two direct subtasks and one grandchild.
	tasks := []*Task{
		{ID: "t1", AgentID: "a1", Priority: PriorityHigh},
		{ID: "t2", AgentID: "a2", ParentTaskID: "t1"},
		{ID: "t3", AgentID: "a3", ParentTaskID: "t1"},
		{ID: "t4", AgentID: "a4", ParentTaskID: "t2"},
	}
	for _, task := range tasks {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	got, err := s.TaskAgentIDs(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskAgentIDs failed: %v", err)
	}

	// Grandchild t4's agent must not appear: the audience is the task's
	// own agent plus agents of direct subtasks only.
	want := map[string]bool{"a1": true, "a2": true, "a3": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d agent IDs, got %d: %v", len(want), len(got), got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected agent ID %q in audience", id)
		}
	}
}

func TestCreateTaskDerivesPriorityScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, &Agent{ID: "a1", Task: "t"}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	task := &Task{ID: "t1", AgentID: "a1", Priority: PriorityHigh}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.PriorityScore != 100 {
		t.Errorf("expected priority score 100, got %d", got.PriorityScore)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, &Agent{ID: "a1", Task: "t"}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	approval := &Approval{
		ID:            "ap1",
		AgentID:       "a1",
		ActionType:    "bash",
		ActionDetails: map[string]any{"command": "rm -rf build/"},
	}
	if err := s.CreateApproval(ctx, approval); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	pending, err := s.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("ListPendingApprovals failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "ap1" {
		t.Fatalf("expected one pending approval ap1, got %v", pending)
	}
	if pending[0].ActionDetails["command"] != "rm -rf build/" {
		t.Errorf("action details lost: %v", pending[0].ActionDetails)
	}

	if err := s.ResolveApproval(ctx, "ap1", ApprovalStatusApproved); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}

	got, err := s.GetApproval(ctx, "ap1")
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Status != ApprovalStatusApproved {
		t.Errorf("expected approved, got %q", got.Status)
	}

	// Resolving twice must fail: the transition is single-shot.
	err = s.ResolveApproval(ctx, "ap1", ApprovalStatusRejected)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second resolve, got %v", err)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreSecret(ctx, "api_key", []byte("cipher"), []byte("nonce1")); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	ciphertext, nonce, err := s.GetSecret(ctx, "api_key")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if string(ciphertext) != "cipher" || string(nonce) != "nonce1" {
		t.Errorf("round trip mismatch: %q %q", ciphertext, nonce)
	}

	// Overwriting replaces both blobs.
	if err := s.StoreSecret(ctx, "api_key", []byte("cipher2"), []byte("nonce2")); err != nil {
		t.Fatalf("StoreSecret overwrite failed: %v", err)
	}
	ciphertext, _, err = s.GetSecret(ctx, "api_key")
	if err != nil {
		t.Fatalf("GetSecret after overwrite failed: %v", err)
	}
	if string(ciphertext) != "cipher2" {
		t.Errorf("expected overwritten ciphertext, got %q", ciphertext)
	}

	keys, err := s.ListSecretKeys(ctx)
	if err != nil {
		t.Fatalf("ListSecretKeys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "api_key" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := s.DeleteSecret(ctx, "api_key"); err != nil {
		t.Fatalf("DeleteSecret failed: %v", err)
	}
	if err := s.DeleteSecret(ctx, "api_key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveTemplate(ctx, &Template{Name: "deploy", Task: "deploy the site"}); err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}

	got, err := s.GetTemplate(ctx, "deploy")
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if got.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %q", got.Priority)
	}

	// Saving again with the same name overwrites the recipe.
	if err := s.SaveTemplate(ctx, &Template{Name: "deploy", Task: "deploy to staging", Priority: PriorityHigh}); err != nil {
		t.Fatalf("SaveTemplate overwrite failed: %v", err)
	}
	got, err = s.GetTemplate(ctx, "deploy")
	if err != nil {
		t.Fatalf("GetTemplate after overwrite failed: %v", err)
	}
	if got.Task != "deploy to staging" || got.Priority != PriorityHigh {
		t.Errorf("overwrite not applied: %+v", got)
	}

	all, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 template, got %d", len(all))
	}

	if err := s.DeleteTemplate(ctx, "deploy"); err != nil {
		t.Fatalf("DeleteTemplate failed: %v", err)
	}
	if _, err := s.GetTemplate(ctx, "deploy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
