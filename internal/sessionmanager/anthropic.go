package sessionmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

const anthropicMaxTokens = 8192

var _ ports.SessionManager = (*AnthropicManager)(nil)

// AnthropicManager runs sessions as calls against the Anthropic Messages
// API, streaming assistant text back over the Assistant channel as it
// arrives. The Messages API has no server-side session concept, so
// ResumeSession simply starts a fresh turn for the agent; callers that
// need conversation continuity carry prior turns in opts.Prompt
// themselves (spec's SessionManager is treated as opaque).
type AnthropicManager struct {
	client anthropic.Client
	model  string
	reg    *registry
}

// NewAnthropicManager builds a manager bound to a single model. apiKey is
// typically sourced from internal/settings' keyring-backed secret store.
func NewAnthropicManager(apiKey, model string) *AnthropicManager {
	return &AnthropicManager{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		reg:    newRegistry(),
	}
}

func (m *AnthropicManager) StartSession(ctx context.Context, agentID string, opts ports.StartOptions) (*ports.Session, *ports.Events, error) {
	return m.run(agentID, opts.Prompt)
}

func (m *AnthropicManager) ResumeSession(ctx context.Context, agentID string, opts ports.ResumeOptions) (*ports.Session, *ports.Events, error) {
	return m.run(agentID, "")
}

func (m *AnthropicManager) run(agentID, prompt string) (*ports.Session, *ports.Events, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	events, assistant, limited, exit := newEvents()

	sess := &ports.Session{ID: clock.NewID(), AgentID: agentID, StartedAt: time.Now().UTC()}
	m.reg.put(agentID, sess, cancel)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: int64(anthropicMaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	go func() {
		exitCode := 0
		defer func() {
			m.reg.remove(agentID)
			close(assistant)
			close(limited)
			exit <- ports.ExitEvent{Code: exitCode}
			close(exit)
		}()

		stream := m.client.Messages.NewStreaming(runCtx, params)
		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			if text, ok := event.AsContentBlockDelta().Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				assistant <- ports.SessionEvent{Type: ports.EventAssistant, Message: text.Text}
			}
		}
		if err := stream.Err(); err != nil {
			logging.Errorf("sessionmanager: anthropic stream for %s: %v", agentID, err)
			exitCode = 1
			if looksLikeRateLimit(err.Error()) {
				limited <- ports.RateLimitedEvent{
					ExecutablePath: "anthropic",
					ResetsAt:       time.Now().UTC().Add(time.Hour),
					Message:        err.Error(),
				}
			}
		}
	}()

	return sess, events, nil
}

func (m *AnthropicManager) StopSession(ctx context.Context, agentID string) error {
	m.reg.stop(agentID)
	return nil
}

func (m *AnthropicManager) GetActiveSession(ctx context.Context, agentID string) (*ports.Session, error) {
	if sess, ok := m.reg.get(agentID); ok {
		return sess, nil
	}
	return nil, fmt.Errorf("sessionmanager: no active anthropic session for agent %s", agentID)
}

// MessageSession is unsupported: the Messages API has no channel to push
// a message into a session already mid-stream.
func (m *AnthropicManager) MessageSession(ctx context.Context, agentID, message string) error {
	return fmt.Errorf("sessionmanager: anthropic backend cannot message a running session")
}
