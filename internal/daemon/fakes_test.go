package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/ports"
)

// fakeStore is an in-memory ElementAPI + InboxService used across the
// daemon's tests. It is not a general-purpose storage engine — it only
// implements enough of the interface contract to drive the scenarios in
// spec §8.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*elements.Task
	agents map[string]*elements.Agent
	plans map[string]*elements.Plan
	inbox map[string][]*elements.InboxItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:  make(map[string]*elements.Task),
		agents: make(map[string]*elements.Agent),
		plans:  make(map[string]*elements.Plan),
		inbox:  make(map[string][]*elements.InboxItem),
	}
}

func cloneTask(t *elements.Task) *elements.Task {
	cp := *t
	cp.Metadata.SessionHistory = append([]elements.SessionRecord(nil), t.Metadata.SessionHistory...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	return &cp
}

func (s *fakeStore) putTask(t *elements.Task) { s.mu.Lock(); defer s.mu.Unlock(); s.tasks[t.ID] = cloneTask(t) }
func (s *fakeStore) putAgent(a *elements.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
}
func (s *fakeStore) putPlan(p *elements.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.ChildTaskIDs = append([]string(nil), p.ChildTaskIDs...)
	s.plans[p.ID] = &cp
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*elements.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, elements.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *fakeStore) ListTasks(ctx context.Context, filter elements.ListFilter) ([]*elements.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*elements.Task
	for _, t := range s.tasks {
		if len(filter.Status) > 0 {
			match := false
			for _, st := range filter.Status {
				if t.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if filter.Assignee != nil && t.Assignee != *filter.Assignee {
			continue
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, id string, partial elements.TaskPartial) (*elements.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, elements.ErrNotFound
	}
	if partial.Status != nil {
		t.Status = *partial.Status
	}
	if partial.Assignee != nil {
		t.Assignee = *partial.Assignee
	}
	if partial.ClearClosed {
		t.ClosedAt = nil
	}
	if partial.CloseReason != nil {
		t.CloseReason = *partial.CloseReason
	}
	if partial.Metadata != nil {
		t.Metadata = *partial.Metadata
	}
	s.tasks[id] = t
	return cloneTask(t), nil
}

func (s *fakeStore) CreateTask(ctx context.Context, input *elements.Task) (*elements.Task, error) {
	s.putTask(input)
	return input, nil
}

func (s *fakeStore) GetAgent(ctx context.Context, id string) (*elements.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, elements.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListAgents(ctx context.Context, filter elements.ListFilter) ([]*elements.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*elements.Agent
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) GetPlan(ctx context.Context, id string) (*elements.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, elements.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) ListPlans(ctx context.Context, filter elements.ListFilter) ([]*elements.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*elements.Plan
	for _, p := range s.plans {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdatePlan(ctx context.Context, id string, partial elements.PlanPartial) (*elements.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, elements.ErrNotFound
	}
	if partial.Status != nil {
		p.Status = *partial.Status
	}
	if partial.CompletedAt != nil {
		p.CompletedAt = partial.CompletedAt
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) ListEvents(ctx context.Context, filter elements.EventFilter) ([]*elements.Event, error) {
	return nil, nil
}

func (s *fakeStore) GetInbox(ctx context.Context, recipientID string, filter elements.InboxFilter) ([]*elements.InboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*elements.InboxItem
	for _, item := range s.inbox[recipientID] {
		out = append(out, item)
	}
	return out, nil
}

func (s *fakeStore) AddToInbox(ctx context.Context, item *elements.InboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox[item.RecipientID] = append(s.inbox[item.RecipientID], item)
	return nil
}

func (s *fakeStore) MarkInboxItem(ctx context.Context, recipientID, messageID string, status elements.InboxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.inbox[recipientID] {
		if item.MessageID == messageID {
			item.Status = status
		}
	}
	return nil
}

// fakeSessions is an in-memory ports.SessionManager. It records every
// call so tests can assert on call order and counts.
type fakeSessions struct {
	mu      sync.Mutex
	active  map[string]*ports.Session
	calls   []string
	startErr error
	resumeErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{active: make(map[string]*ports.Session)}
}

func (f *fakeSessions) StartSession(ctx context.Context, agentID string, opts ports.StartOptions) (*ports.Session, *ports.Events, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "start:"+agentID)
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	sess := &ports.Session{ID: "sess-" + agentID, AgentID: agentID, StartedAt: time.Now()}
	f.mu.Lock()
	f.active[agentID] = sess
	f.mu.Unlock()
	evts := &ports.Events{
		Assistant:   make(chan ports.SessionEvent),
		RateLimited: make(chan ports.RateLimitedEvent),
		Exit:        make(chan ports.ExitEvent),
	}
	return sess, evts, nil
}

func (f *fakeSessions) ResumeSession(ctx context.Context, agentID string, opts ports.ResumeOptions) (*ports.Session, *ports.Events, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "resume:"+agentID)
	err := f.resumeErr
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return f.StartSession(ctx, agentID, ports.StartOptions{})
}

func (f *fakeSessions) StopSession(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+agentID)
	delete(f.active, agentID)
	return nil
}

func (f *fakeSessions) GetActiveSession(ctx context.Context, agentID string) (*ports.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[agentID], nil
}

func (f *fakeSessions) MessageSession(ctx context.Context, agentID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "message:"+agentID)
	return nil
}

func (f *fakeSessions) startCount(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == "start:"+agentID {
			n++
		}
	}
	return n
}

// fakeWorktree is an in-memory ports.WorktreeManager.
type fakeWorktree struct {
	mu       sync.Mutex
	existing map[string]bool
	created  int
}

func newFakeWorktree() *fakeWorktree { return &fakeWorktree{existing: make(map[string]bool)} }

func (f *fakeWorktree) CreateWorktree(ctx context.Context, opts ports.CreateWorktreeOptions) (*ports.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	path := "/worktrees/" + opts.TaskID
	f.existing[path] = true
	return &ports.WorktreeInfo{Path: path, Branch: "task/" + opts.TaskID}, nil
}

func (f *fakeWorktree) WorktreeExists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[path], nil
}

// fakeSettings is an in-memory ports.SettingsService.
type fakeSettings struct {
	chain      []string
	defaultExe string
}

func (f *fakeSettings) FallbackChain(ctx context.Context, agentID string) ([]string, error) {
	return f.chain, nil
}

func (f *fakeSettings) DefaultExecutable(ctx context.Context, agentID string) (string, error) {
	return f.defaultExe, nil
}
