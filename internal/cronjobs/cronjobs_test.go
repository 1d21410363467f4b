package cronjobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cronjobs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCleanupOldTasksTombstonesPastRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)

	oldTask, err := s.CreateTask(ctx, &elements.Task{ID: "t-old", Type: "chore", Status: elements.TaskClosed, ClosedAt: &old})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	recentTask, err := s.CreateTask(ctx, &elements.Task{ID: "t-recent", Type: "chore", Status: elements.TaskClosed, ClosedAt: &recent})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	sched := NewScheduler(s, s, events.NewSubject(), Config{CleanupRetention: 7 * 24 * time.Hour})

	n, err := sched.CleanupOldTasks(ctx)
	if err != nil {
		t.Fatalf("CleanupOldTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task tombstoned, got %d", n)
	}

	got, err := s.GetTask(ctx, oldTask.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != elements.TaskTombstone {
		t.Errorf("expected old task tombstoned, got status %s", got.Status)
	}

	got, err = s.GetTask(ctx, recentTask.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != elements.TaskClosed {
		t.Errorf("expected recent task to stay closed, got status %s", got.Status)
	}
}

func TestDigestStaleInboxEmitsNotificationForOldItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	director := &elements.Agent{ID: "director-1", Name: "director-1", EntityType: elements.EntityDirector, Status: "active"}
	if err := s.PutAgent(ctx, director); err != nil {
		t.Fatalf("PutAgent: %v", err)
	}

	staleItem := &elements.InboxItem{RecipientID: director.ID, MessageID: "m-1", Status: elements.InboxUnread, CreatedAt: time.Now().Add(-3 * time.Hour)}
	freshItem := &elements.InboxItem{RecipientID: director.ID, MessageID: "m-2", Status: elements.InboxUnread, CreatedAt: time.Now()}
	if err := s.AddToInbox(ctx, staleItem); err != nil {
		t.Fatalf("AddToInbox: %v", err)
	}
	if err := s.AddToInbox(ctx, freshItem); err != nil {
		t.Fatalf("AddToInbox: %v", err)
	}

	subject := events.NewSubject()
	var received []string
	events.Subscribe(subject, events.TopicDaemonNotification, func(ctx context.Context, n interface{}) error {
		received = append(received, "notified")
		return nil
	})

	sched := NewScheduler(s, s, subject, Config{DigestMinAge: 2 * time.Hour})

	n, err := sched.DigestStaleInbox(ctx)
	if err != nil {
		t.Fatalf("DigestStaleInbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale item digested, got %d", n)
	}
	if len(received) != 1 {
		t.Fatalf("expected 1 notification emitted, got %d", len(received))
	}
}
