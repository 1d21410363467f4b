package daemon

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/ports"
)

func newTestDaemon(store *fakeStore, sessions *fakeSessions, wt *fakeWorktree, settings *fakeSettings) *Daemon {
	d := New(Deps{
		Elements: store,
		Inbox:    store,
		Sessions: sessions,
		Worktree: wt,
		Settings: settings,
	}, DefaultConfig())
	return d
}

func TestBasicDispatch(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putAgent(&elements.Agent{ID: "W", Name: "worker-1", EntityType: elements.EntityWorker, Status: "active", MaxConcurrentTasks: 1})
	store.putTask(&elements.Task{ID: "T", Type: "task", Status: elements.TaskOpen, Priority: 3, CreatedAt: time.Now()})

	result := d.PollWorkerAvailability(context.Background())
	if result.Errors != 0 {
		t.Fatalf("unexpected errors: %v", result.ErrorMessages)
	}

	task, _ := store.GetTask(context.Background(), "T")
	if task.Assignee != "W" {
		t.Errorf("expected task assignee W, got %q", task.Assignee)
	}
	sess, _ := sessions.GetActiveSession(context.Background(), "W")
	if sess == nil {
		t.Error("expected active session for W")
	}
	if wt.created != 1 {
		t.Errorf("expected createWorktree called once, got %d", wt.created)
	}
}

func TestHandoffReuse(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	wt.existing["/w/x"] = true
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putAgent(&elements.Agent{ID: "W", Name: "worker-1", EntityType: elements.EntityWorker, Status: "active", MaxConcurrentTasks: 1})
	task := &elements.Task{ID: "T", Type: "task", Status: elements.TaskOpen, Priority: 1, CreatedAt: time.Now()}
	task.Metadata.HandoffWorktree = "/w/x"
	task.Metadata.HandoffBranch = "handoff-branch"
	store.putTask(task)

	d.PollWorkerAvailability(context.Background())

	if wt.created != 0 {
		t.Errorf("expected createWorktree not called, got %d calls", wt.created)
	}
}

func TestRateLimitPause(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "a", chain: []string{"a", "b"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putAgent(&elements.Agent{ID: "W", Name: "worker-1", EntityType: elements.EntityWorker, Status: "active", MaxConcurrentTasks: 1})
	store.putTask(&elements.Task{ID: "T", Type: "task", Status: elements.TaskOpen, Priority: 1, CreatedAt: time.Now()})

	d.HandleRateLimitDetected("a", time.Now().Add(60*time.Second))
	d.PollWorkerAvailability(context.Background())

	if _, err := store.GetTask(context.Background(), "T"); err == nil {
		task, _ := store.GetTask(context.Background(), "T")
		if task.Assignee != "" {
			t.Errorf("expected no assignment while all_limited, got assignee %q", task.Assignee)
		}
	}
	if sessions.startCount("W") != 0 {
		t.Errorf("expected startSession not called, got %d calls", sessions.startCount("W"))
	}

	status := d.GetRateLimitStatus()
	if !status.IsPaused {
		t.Error("expected isPaused=true")
	}
	if len(status.Limits) != 2 {
		t.Errorf("expected both chain members in limits, got %d", len(status.Limits))
	}
}

func TestOrphanResumeFallback(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	sessions.resumeErr = context.DeadlineExceeded
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putAgent(&elements.Agent{ID: "W", Name: "worker-1", EntityType: elements.EntityWorker, Status: "active", MaxConcurrentTasks: 1})
	task := &elements.Task{ID: "T", Type: "task", Status: elements.TaskInProgress, CreatedAt: time.Now()}
	task.Metadata.AssignedAgent = "W"
	task.Metadata.SessionID = "stale"
	task.Metadata.ResumeCount = 1
	store.putTask(task)

	result := d.RecoverOrphanedAssignments(context.Background())
	if result.Errors != 0 {
		t.Fatalf("unexpected errors: %v", result.ErrorMessages)
	}

	got, _ := store.GetTask(context.Background(), "T")
	if got.Metadata.SessionID == "stale" {
		t.Error("expected stale sessionId to be rewritten")
	}
	if got.Metadata.ResumeCount != 2 {
		t.Errorf("expected resumeCount=2, got %d", got.Metadata.ResumeCount)
	}
	if sessions.startCount("W") != 1 {
		t.Errorf("expected one fresh start after resume failure, got %d", sessions.startCount("W"))
	}
}

func TestRapidSilentExitRollsBackResumeCount(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	task := &elements.Task{ID: "T", Type: "task", Status: elements.TaskInProgress, CreatedAt: time.Now()}
	task.Metadata.ResumeCount = 2
	store.putTask(task)

	agent := &elements.Agent{ID: "W", EntityType: elements.EntityWorker}
	d.handleSessionExit("T", agent, "claude", d.now(), false, "", ports.ExitEvent{Code: 0})

	got, _ := store.GetTask(context.Background(), "T")
	if got.Metadata.ResumeCount != 1 {
		t.Errorf("expected resumeCount rolled back to 1, got %d", got.Metadata.ResumeCount)
	}

	status := d.GetRateLimitStatus()
	if !status.IsPaused {
		t.Error("expected claude to be marked limited after silent rapid exit")
	}
}

func TestStewardRecoveryCap(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putAgent(&elements.Agent{ID: "S", EntityType: elements.EntitySteward, Status: "active", StewardFocus: elements.StewardMerge})
	task := &elements.Task{ID: "T", Type: "task", Status: elements.TaskReview, Assignee: "S", CreatedAt: time.Now()}
	task.Metadata.StewardRecoveryCount = MaxStewardRecoveries
	task.Metadata.MergeStatus = elements.MergePending
	store.putTask(task)

	result := d.RecoverOrphanedAssignments(context.Background())
	if result.Errors != 0 {
		t.Fatalf("unexpected errors: %v", result.ErrorMessages)
	}

	got, _ := store.GetTask(context.Background(), "T")
	if got.Metadata.MergeStatus != elements.MergeFailed {
		t.Errorf("expected mergeStatus=failed, got %s", got.Metadata.MergeStatus)
	}
	if got.Assignee != "" {
		t.Errorf("expected assignee cleared, got %q", got.Assignee)
	}
	if !strings.Contains(got.Metadata.MergeFailureReason, "3") {
		t.Errorf("expected failure reason to mention 3, got %q", got.Metadata.MergeFailureReason)
	}
	if sessions.startCount("S") != 0 {
		t.Errorf("expected no session spawned, got %d", sessions.startCount("S"))
	}
}

func TestPlanAutoComplete(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putTask(&elements.Task{ID: "C1", Type: "task", Status: elements.TaskClosed, PlanID: "P1"})
	store.putTask(&elements.Task{ID: "C2", Type: "task", Status: elements.TaskClosed, PlanID: "P1"})
	store.putPlan(&elements.Plan{ID: "P1", Status: "active", ChildTaskIDs: []string{"C1", "C2"}})

	store.putTask(&elements.Task{ID: "O1", Type: "task", Status: elements.TaskOpen, PlanID: "P2"})
	store.putPlan(&elements.Plan{ID: "P2", Status: "active", ChildTaskIDs: []string{"O1"}})

	result := d.PollPlanAutoComplete(context.Background())
	if result.Errors != 0 {
		t.Fatalf("unexpected errors: %v", result.ErrorMessages)
	}

	p1, _ := store.GetPlan(context.Background(), "P1")
	if p1.Status != "completed" || p1.CompletedAt == nil {
		t.Errorf("expected P1 completed, got status=%s completedAt=%v", p1.Status, p1.CompletedAt)
	}
	p2, _ := store.GetPlan(context.Background(), "P2")
	if p2.Status != "active" {
		t.Errorf("expected P2 to remain active, got %s", p2.Status)
	}
}

func TestNoDoubleAssignment(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	wt := newFakeWorktree()
	settings := &fakeSettings{defaultExe: "claude", chain: []string{"claude"}}
	d := newTestDaemon(store, sessions, wt, settings)

	store.putAgent(&elements.Agent{ID: "W1", EntityType: elements.EntityWorker, Status: "active", MaxConcurrentTasks: 1})
	store.putAgent(&elements.Agent{ID: "W2", EntityType: elements.EntityWorker, Status: "active", MaxConcurrentTasks: 1})
	store.putTask(&elements.Task{ID: "T", Type: "task", Status: elements.TaskOpen, Priority: 1, CreatedAt: time.Now()})

	d.PollWorkerAvailability(context.Background())

	task, _ := store.GetTask(context.Background(), "T")
	if task.Assignee != "W1" && task.Assignee != "W2" {
		t.Fatalf("expected task assigned to exactly one worker, got %q", task.Assignee)
	}
	if sessions.startCount("W1") == 1 && sessions.startCount("W2") == 1 {
		t.Error("expected at most one worker to have started a session for the single task")
	}
}
