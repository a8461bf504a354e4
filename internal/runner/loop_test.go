package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/provider"
)

func TestRunTurnCompletesWithoutToolCalls(t *testing.T) {
	model := &fakeModel{}
	r := newTestRunner(t, model)

	sess := &models.Session{ID: "s1", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := r.Store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := r.RunTurn(context.Background(), "s1", "t1", []models.Message{{Role: "user", Text: "hi"}}); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	steps, err := r.Store.ListSteps(context.Background(), "t1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
	if steps[0].Status != models.StepDone {
		t.Fatalf("step status = %v, want done", steps[0].Status)
	}

	got, err := r.Store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != models.SessionIdle {
		t.Fatalf("session status = %v, want idle", got.Status)
	}
}

func TestRunTurnDispatchesToolCallsAcrossSteps(t *testing.T) {
	model := &fakeModel{calls: [][]provider.ToolCall{
		{{ID: "c1", Name: "read_file", Input: json.RawMessage(`{}`)}},
	}}
	r := newTestRunner(t, model)
	if err := r.Store.SetPermissionMode(context.Background(), models.ModeAllow); err != nil {
		t.Fatalf("set permission mode: %v", err)
	}

	sess := &models.Session{ID: "s1", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := r.Store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := r.RunTurn(context.Background(), "s1", "t1", []models.Message{{Role: "user", Text: "hi"}}); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	steps, err := r.Store.ListSteps(context.Background(), "t1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2 (one for the tool call, one for the final reply)", len(steps))
	}
	for _, step := range steps {
		if step.Status != models.StepDone {
			t.Fatalf("step %s status = %v, want done", step.ID, step.Status)
		}
	}
}

func TestRunOneToolCallDeniesUnknownTool(t *testing.T) {
	r := newTestRunner(t, &fakeModel{})

	output, isErr := r.runOneToolCall(context.Background(), "s1", "t1", "step1", models.ToolCall{
		ID: "c1", Name: "does_not_exist", Input: json.RawMessage(`{}`),
	})
	if !isErr {
		t.Fatal("expected an error result for an unregistered tool")
	}
	if output == "" {
		t.Fatal("expected a non-empty error message")
	}
}

// TestRunTurnMarksStepCancelledWhenContextIsCancelled is the
// regression test for the cancellation status bug: a Step whose model
// stream observes ctx cancellation must be persisted as
// models.StepCancelled, never models.StepError.
func TestRunTurnMarksStepCancelledWhenContextIsCancelled(t *testing.T) {
	model := &blockingModel{unblock: make(chan struct{}), started: make(chan struct{})}
	r := newTestRunner(t, model)

	sess := &models.Session{ID: "s1", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := r.Store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.RunTurn(ctx, "s1", "t1", []models.Message{{Role: "user", Text: "hi"}})
	}()

	<-model.started
	cancel()
	close(model.unblock)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected RunTurn to return an error on cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not return after cancellation")
	}

	steps, err := r.Store.ListSteps(context.Background(), "t1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
	if steps[0].Status != models.StepCancelled {
		t.Fatalf("step status = %v, want cancelled", steps[0].Status)
	}
}

// blockingModel only emits a chunk once unblock is closed, letting a
// test drive RunTurn's cancellation branch deterministically: the
// chunk it emits carries ctx.Err() as its Error, exactly as a real
// provider stream does when its context is cancelled mid-read.
type blockingModel struct {
	unblock chan struct{}
	started chan struct{}
}

func (m *blockingModel) Name() string        { return "blocking" }
func (m *blockingModel) SupportsTools() bool { return true }
func (m *blockingModel) Complete(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk, 1)
	go func() {
		defer close(ch)
		close(m.started)
		<-m.unblock
		ch <- &provider.Chunk{Error: ctx.Err()}
	}()
	return ch, nil
}
