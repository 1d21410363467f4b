package sessionmanager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

var _ ports.SessionManager = (*ProcessManager)(nil)

// processLine is the subset of a CLI agent's stream-json output this
// manager understands. Unrecognized lines are ignored rather than
// treated as an error — different CLI tools emit different extra event
// types and this manager only needs the assistant-text ones.
type processLine struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type runningProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel func()
}

// ProcessManager runs sessions as a local CLI subprocess, for
// executables that are CLI tools rather than hosted APIs (spec §4.2's
// fallback chain makes no distinction between the two at the daemon
// level). Command is the binary name (resolved via PATH, or an absolute
// path); Args are flags applied to every invocation.
type ProcessManager struct {
	Command string
	Args    []string

	reg *registry

	mu        sync.Mutex
	processes map[string]*runningProcess
}

// NewProcessManager builds a manager that shells out to command with the
// given fixed args on every StartSession/ResumeSession call.
func NewProcessManager(command string, args []string) *ProcessManager {
	return &ProcessManager{
		Command:   command,
		Args:      args,
		reg:       newRegistry(),
		processes: make(map[string]*runningProcess),
	}
}

func (m *ProcessManager) StartSession(ctx context.Context, agentID string, opts ports.StartOptions) (*ports.Session, *ports.Events, error) {
	return m.spawn(agentID, opts.WorkingDirectory, opts.Prompt, opts.Interactive)
}

func (m *ProcessManager) ResumeSession(ctx context.Context, agentID string, opts ports.ResumeOptions) (*ports.Session, *ports.Events, error) {
	// ProviderSessionID is the CLI's own resumable-session id; tools that
	// support it (e.g. "--resume <id>") are configured with that flag
	// baked into m.Args by the caller, since the flag name varies per CLI.
	return m.spawn(agentID, "", "", false)
}

func (m *ProcessManager) spawn(agentID, workingDir, prompt string, interactive bool) (*ports.Session, *ports.Events, error) {
	runCtx, cancel := context.WithCancel(context.Background())

	args := append([]string{}, m.Args...)
	if prompt != "" {
		args = append(args, "--", prompt)
	}

	cmd := exec.CommandContext(runCtx, m.Command, args...)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("sessionmanager: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("sessionmanager: stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if interactive {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("sessionmanager: stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("sessionmanager: start %s: %w", m.Command, err)
	}

	sess := &ports.Session{ID: clock.NewID(), AgentID: agentID, StartedAt: time.Now().UTC()}
	m.reg.put(agentID, sess, cancel)

	m.mu.Lock()
	m.processes[agentID] = &runningProcess{cmd: cmd, stdin: stdin, cancel: cancel}
	m.mu.Unlock()

	events, assistant, limited, exit := newEvents()

	var stderrText string
	var stderrWg sync.WaitGroup
	stderrWg.Add(1)
	go func() {
		defer stderrWg.Done()
		b, _ := io.ReadAll(stderr)
		stderrText = string(b)
	}()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.processes, agentID)
			m.mu.Unlock()
			m.reg.remove(agentID)
			close(assistant)
			close(limited)
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			var pl processLine
			if err := json.Unmarshal([]byte(line), &pl); err != nil {
				assistant <- ports.SessionEvent{Type: ports.EventAssistant, Message: line}
				continue
			}
			if pl.Type == "assistant" && pl.Text != "" {
				assistant <- ports.SessionEvent{Type: ports.EventAssistant, Message: pl.Text}
			}
		}

		stderrWg.Wait()
		waitErr := cmd.Wait()

		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}

		if stderrText != "" && looksLikeRateLimit(stderrText) {
			limited <- ports.RateLimitedEvent{
				ExecutablePath: m.Command,
				ResetsAt:       time.Now().UTC().Add(time.Hour),
				Message:        stderrText,
			}
		}
		if stderrText != "" {
			logging.Warnf("sessionmanager: %s stderr for %s: %s", m.Command, agentID, stderrText)
		}

		exit <- ports.ExitEvent{Code: code}
		close(exit)
	}()

	return sess, events, nil
}

func (m *ProcessManager) StopSession(ctx context.Context, agentID string) error {
	m.mu.Lock()
	p, ok := m.processes[agentID]
	m.mu.Unlock()
	if ok && p.stdin != nil {
		p.stdin.Close()
	}
	m.reg.stop(agentID)
	return nil
}

func (m *ProcessManager) GetActiveSession(ctx context.Context, agentID string) (*ports.Session, error) {
	if sess, ok := m.reg.get(agentID); ok {
		return sess, nil
	}
	return nil, fmt.Errorf("sessionmanager: no active process session for agent %s", agentID)
}

// MessageSession writes message to the subprocess's stdin, for
// interactive CLI sessions started with StartOptions.Interactive.
func (m *ProcessManager) MessageSession(ctx context.Context, agentID, message string) error {
	m.mu.Lock()
	p, ok := m.processes[agentID]
	m.mu.Unlock()
	if !ok || p.stdin == nil {
		return fmt.Errorf("sessionmanager: agent %s has no interactive stdin to message", agentID)
	}
	_, err := io.WriteString(p.stdin, message+"\n")
	return err
}
