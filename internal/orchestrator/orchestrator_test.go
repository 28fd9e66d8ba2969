// ABOUTME: End-to-end run loop tests with a scripted fake model client
// ABOUTME: Covers completion, tool dispatch, failure recording and lifecycle control

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grulabs/gru/internal/config"
	"github.com/grulabs/gru/internal/coordinator"
	"github.com/grulabs/gru/internal/model"
	"github.com/grulabs/gru/internal/store"
)

// fakeModel replays scripted responses per call. A nil script entry means
// return the scripted error instead.
type fakeModel struct {
	mu        sync.Mutex
	responses []*model.Response
	err       error
	calls     []*model.Request
	gate      chan struct{} // when non-nil, each call waits for a token
}

func (f *fakeModel) Send(ctx context.Context, req *model.Request) (*model.Response, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if len(f.responses) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return endTurn("done"), nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp == nil {
		return nil, f.err
	}
	return resp, nil
}

func endTurn(text string) *model.Response {
	return &model.Response{
		StopReason: model.StopReasonEndTurn,
		Content:    []model.ContentBlock{{Type: model.ContentTypeText, Text: text}},
	}
}

func toolUse(id, name string, input map[string]any) *model.Response {
	return &model.Response{
		StopReason: model.StopReasonToolUse,
		Content: []model.ContentBlock{
			{Type: model.ContentTypeToolUse, ID: id, Name: name, Input: input},
		},
	}
}

func newTestOrchestrator(t *testing.T, maxConcurrent int, client model.Client) (*Orchestrator, store.Store) {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dataDir, "test.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.Data.Dir = dataDir
	cfg.Model.Default = "test-model"
	cfg.Model.MaxTokens = 1024
	cfg.Agents.MaxConcurrent = maxConcurrent
	cfg.Agents.DefaultTimeoutMode = config.TimeoutModeBlock
	cfg.Agents.DefaultTimeout = 5 * time.Second
	cfg.Agents.BashTimeout = 5 * time.Second
	cfg.Approval.Policy = config.ApprovalPolicyNone

	o := New(cfg, st, coordinator.New(st), client)
	o.Start(context.Background())
	return o, st
}

// waitForStatus polls until the agent reaches the wanted status.
func waitForStatus(t *testing.T, st store.Store, agentID, want string) *store.Agent {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		agent, err := st.GetAgent(context.Background(), agentID)
		if err != nil {
			t.Fatalf("GetAgent failed: %v", err)
		}
		if agent.Status == want {
			return agent
		}
		time.Sleep(10 * time.Millisecond)
	}
	agent, _ := st.GetAgent(context.Background(), agentID)
	t.Fatalf("agent %s never reached %q (currently %q)", agentID, want, agent.Status)
	return nil
}

func TestAgentCompletes(t *testing.T) {
	fake := &fakeModel{responses: []*model.Response{endTurn("all done")}}
	o, st := newTestOrchestrator(t, 2, fake)

	agent, err := o.Spawn(context.Background(), SpawnRequest{Task: "say hello"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)

	// The conversation records the task and the reply.
	transcript, err := o.Transcript(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected 2 transcript entries, got %d", len(transcript))
	}
	if transcript[0].Content != "say hello" || transcript[1].Content != "all done" {
		t.Errorf("unexpected transcript: %+v", transcript)
	}
}

func TestAgentExecutesTools(t *testing.T) {
	fake := &fakeModel{responses: []*model.Response{
		toolUse("tu_1", "write_file", map[string]any{"path": "out.txt", "content": "hello"}),
		endTurn("wrote the file"),
	}}
	o, st := newTestOrchestrator(t, 2, fake)

	agent, err := o.Spawn(context.Background(), SpawnRequest{Task: "write a file"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)

	data, err := os.ReadFile(filepath.Join(agent.Workdir, "out.txt"))
	if err != nil {
		t.Fatalf("reading sandboxed file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("unexpected file contents %q", data)
	}

	// The second model call carries the tool result.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.calls) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(fake.calls))
	}
	last := fake.calls[1].Messages[len(fake.calls[1].Messages)-1]
	if last.Content[0].Type != model.ContentTypeToolResult || last.Content[0].ToolUseID != "tu_1" {
		t.Errorf("expected tool result message, got %+v", last)
	}
}

func TestAgentFailureRecordsError(t *testing.T) {
	fake := &fakeModel{err: fmt.Errorf("model API error (500): upstream exploded")}
	o, st := newTestOrchestrator(t, 2, fake)

	agent, err := o.Spawn(context.Background(), SpawnRequest{Task: "doomed"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	failed := waitForStatus(t, st, agent.ID, store.AgentStatusFailed)
	if failed.Error != "model API error (500): upstream exploded" {
		t.Errorf("expected error recorded verbatim, got %q", failed.Error)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1)}
	o, st := newTestOrchestrator(t, 1, fake)
	ctx := context.Background()

	first, err := o.Spawn(ctx, SpawnRequest{Task: "first"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, first.ID, store.AgentStatusRunning)

	second, err := o.Spawn(ctx, SpawnRequest{Task: "second"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// The second agent stays idle while the slot is held.
	time.Sleep(100 * time.Millisecond)
	agent, err := st.GetAgent(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Status != store.AgentStatusIdle {
		t.Errorf("expected queued agent idle, got %q", agent.Status)
	}

	// Releasing the first agent's model call lets it finish and frees the slot.
	fake.gate <- struct{}{}
	waitForStatus(t, st, first.ID, store.AgentStatusCompleted)
	waitForStatus(t, st, second.ID, store.AgentStatusRunning)

	fake.gate <- struct{}{}
	waitForStatus(t, st, second.ID, store.AgentStatusCompleted)
}

func TestPauseResume(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1), responses: []*model.Response{
		toolUse("tu_1", "bash", map[string]any{"command": "true"}),
		endTurn("done"),
	}}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "pausable"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	// Pause mid-call: the status is persisted right away, the run loop
	// parks at its next checkpoint.
	if !o.Pause(ctx, agent.ID) {
		t.Fatal("Pause returned false for live agent")
	}
	paused, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if paused.Status != store.AgentStatusPaused {
		t.Errorf("expected paused immediately after Pause, got %q", paused.Status)
	}

	// Let the in-flight call finish so the loop parks at its checkpoint.
	fake.gate <- struct{}{}
	time.Sleep(50 * time.Millisecond)

	if !o.Resume(ctx, agent.ID) {
		t.Fatal("Resume returned false for paused agent")
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	fake.gate <- struct{}{}
	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)
}

func TestResumeRequiresPause(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1)}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "already running"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	if o.Resume(ctx, agent.ID) {
		t.Error("Resume should return false for an agent that is not paused")
	}

	fake.gate <- struct{}{}
	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)
}

func TestTerminate(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1), responses: []*model.Response{
		toolUse("tu_1", "bash", map[string]any{"command": "true"}),
		endTurn("done"),
	}}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "short-lived"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	// Terminate takes effect immediately: status persisted, registry entry
	// gone, even while the model call is still in flight.
	if !o.Terminate(ctx, agent.ID) {
		t.Fatal("Terminate returned false for live agent")
	}
	terminated, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if terminated.Status != store.AgentStatusTerminated {
		t.Errorf("expected terminated immediately, got %q", terminated.Status)
	}
	if o.Terminate(ctx, agent.ID) {
		t.Error("second Terminate should return false")
	}
	if o.Pause(ctx, agent.ID) {
		t.Error("Pause should return false after termination")
	}

	// Releasing the in-flight call must not revive the agent: its answer is
	// discarded and the terminal status stands.
	fake.gate <- struct{}{}
	time.Sleep(100 * time.Millisecond)
	final, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if final.Status != store.AgentStatusTerminated {
		t.Errorf("terminal status overwritten after termination: %q", final.Status)
	}
}

func TestTerminateQueuedAgent(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1)}
	o, st := newTestOrchestrator(t, 1, fake)
	ctx := context.Background()

	first, err := o.Spawn(ctx, SpawnRequest{Task: "holder"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, first.ID, store.AgentStatusRunning)

	queued, err := o.Spawn(ctx, SpawnRequest{Task: "queued"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if !o.Terminate(ctx, queued.ID) {
		t.Fatal("Terminate returned false for queued agent")
	}
	waitForStatus(t, st, queued.ID, store.AgentStatusTerminated)

	fake.gate <- struct{}{}
	waitForStatus(t, st, first.ID, store.AgentStatusCompleted)
}

func TestNudgeJoinsConversation(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1), responses: []*model.Response{
		toolUse("tu_1", "bash", map[string]any{"command": "true"}),
		endTurn("done"),
	}}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "nudgeable"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	if !o.Nudge(agent.ID, "also update the changelog") {
		t.Fatal("Nudge returned false for live agent")
	}

	fake.gate <- struct{}{}
	fake.gate <- struct{}{}
	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var found bool
	for _, msg := range fake.calls[len(fake.calls)-1].Messages {
		for _, block := range msg.Content {
			if block.Text == "also update the changelog" {
				found = true
			}
		}
	}
	if !found {
		t.Error("nudge never reached the conversation")
	}
}

func TestSpawnFromTemplate(t *testing.T) {
	fake := &fakeModel{responses: []*model.Response{endTurn("done")}}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	if err := st.SaveTemplate(ctx, &store.Template{Name: "docs", Task: "update the docs", Priority: store.PriorityHigh}); err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}

	agent, err := o.SpawnFromTemplate(ctx, "docs", SpawnRequest{})
	if err != nil {
		t.Fatalf("SpawnFromTemplate failed: %v", err)
	}
	if agent.Task != "update the docs" {
		t.Errorf("template task not applied: %q", agent.Task)
	}
	if agent.Priority != store.PriorityHigh {
		t.Errorf("template priority not applied: %q", agent.Priority)
	}

	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)
}

func TestSpawnExplicitWorkdir(t *testing.T) {
	fake := &fakeModel{responses: []*model.Response{endTurn("done")}}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	workdir := filepath.Join(t.TempDir(), "custom", "nest")
	agent, err := o.Spawn(ctx, SpawnRequest{Task: "use my dir", Workdir: workdir})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if agent.Workdir != workdir {
		t.Errorf("expected workdir %q, got %q", workdir, agent.Workdir)
	}

	info, err := os.Stat(workdir)
	if err != nil {
		t.Fatalf("explicit workdir was not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("explicit workdir is not a directory")
	}

	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)
}

func TestStrictTimeoutFailsAgent(t *testing.T) {
	// No gate tokens are ever sent, so the model call blocks until the
	// strict deadline cancels it.
	fake := &fakeModel{gate: make(chan struct{}, 1)}
	o, st := newTestOrchestrator(t, 2, fake)
	o.cfg.Agents.DefaultTimeout = 50 * time.Millisecond
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "slow model", TimeoutMode: config.TimeoutModeStrict})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	failed := waitForStatus(t, st, agent.ID, store.AgentStatusFailed)
	want := "model call exceeded 50ms timeout"
	if failed.Error != want {
		t.Errorf("expected error %q, got %q", want, failed.Error)
	}
}

func TestBlockModeOutlastsTimeout(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1)}
	o, st := newTestOrchestrator(t, 2, fake)
	o.cfg.Agents.DefaultTimeout = 20 * time.Millisecond
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "patient"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	// Hold the model call well past the default timeout; block mode waits.
	time.Sleep(100 * time.Millisecond)
	fake.gate <- struct{}{}
	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)
}

func TestCoordinatorMessageInTranscript(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1), responses: []*model.Response{
		toolUse("tu_1", "bash", map[string]any{"command": "true"}),
		endTurn("done"),
	}}
	o, st := newTestOrchestrator(t, 2, fake)
	ctx := context.Background()

	agent, err := o.Spawn(ctx, SpawnRequest{Task: "watch for deploys"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusRunning)

	if err := o.Notify(ctx, agent.ID, "Preview ready: https://x.vercel.app"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	fake.gate <- struct{}{}
	fake.gate <- struct{}{}
	waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)

	transcript, err := o.Transcript(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	var found bool
	for _, entry := range transcript {
		if entry.Content == "Message from system: Preview ready: https://x.vercel.app" {
			found = true
		}
	}
	if !found {
		t.Errorf("coordinator message missing from transcript: %+v", transcript)
	}
}

func TestStatus(t *testing.T) {
	fake := &fakeModel{gate: make(chan struct{}, 1)}
	o, st := newTestOrchestrator(t, 1, fake)
	ctx := context.Background()

	first, err := o.Spawn(ctx, SpawnRequest{Task: "t1"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForStatus(t, st, first.ID, store.AgentStatusRunning)

	if _, err := o.Spawn(ctx, SpawnRequest{Task: "t2"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Counts[store.AgentStatusRunning] != 1 {
		t.Errorf("expected 1 running, got %d", status.Counts[store.AgentStatusRunning])
	}
	if status.Queued != 1 {
		t.Errorf("expected 1 queued, got %d", status.Queued)
	}
	if status.Max != 1 {
		t.Errorf("expected max 1, got %d", status.Max)
	}

	fake.gate <- struct{}{}
	waitForStatus(t, st, first.ID, store.AgentStatusCompleted)
}
