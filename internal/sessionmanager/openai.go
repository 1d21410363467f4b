package sessionmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

var _ ports.SessionManager = (*OpenAIManager)(nil)

// OpenAIManager runs sessions as streamed chat completions against the
// OpenAI API, giving the fallback chain a second, independently
// rate-limited executable to fail over to (spec's fallback chain never
// assumes the API behind an executable).
type OpenAIManager struct {
	client openai.Client
	model  string
	reg    *registry
}

// NewOpenAIManager builds a manager bound to a single model. baseURL, if
// non-empty, overrides the API endpoint for OpenAI-compatible services.
func NewOpenAIManager(apiKey, model, baseURL string) *OpenAIManager {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIManager{
		client: openai.NewClient(opts...),
		model:  model,
		reg:    newRegistry(),
	}
}

func (m *OpenAIManager) StartSession(ctx context.Context, agentID string, opts ports.StartOptions) (*ports.Session, *ports.Events, error) {
	return m.run(agentID, opts.Prompt)
}

func (m *OpenAIManager) ResumeSession(ctx context.Context, agentID string, opts ports.ResumeOptions) (*ports.Session, *ports.Events, error) {
	return m.run(agentID, "")
}

func (m *OpenAIManager) run(agentID, prompt string) (*ports.Session, *ports.Events, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	events, assistant, limited, exit := newEvents()

	sess := &ports.Session{ID: clock.NewID(), AgentID: agentID, StartedAt: time.Now().UTC()}
	m.reg.put(agentID, sess, cancel)

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
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

		stream := m.client.Chat.Completions.NewStreaming(runCtx, params)
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					assistant <- ports.SessionEvent{Type: ports.EventAssistant, Message: choice.Delta.Content}
				}
			}
		}
		if err := stream.Err(); err != nil {
			logging.Errorf("sessionmanager: openai stream for %s: %v", agentID, err)
			exitCode = 1
			if looksLikeRateLimit(err.Error()) {
				limited <- ports.RateLimitedEvent{
					ExecutablePath: "openai",
					ResetsAt:       time.Now().UTC().Add(time.Hour),
					Message:        err.Error(),
				}
			}
		}
	}()

	return sess, events, nil
}

func (m *OpenAIManager) StopSession(ctx context.Context, agentID string) error {
	m.reg.stop(agentID)
	return nil
}

func (m *OpenAIManager) GetActiveSession(ctx context.Context, agentID string) (*ports.Session, error) {
	if sess, ok := m.reg.get(agentID); ok {
		return sess, nil
	}
	return nil, fmt.Errorf("sessionmanager: no active openai session for agent %s", agentID)
}

func (m *OpenAIManager) MessageSession(ctx context.Context, agentID, message string) error {
	return fmt.Errorf("sessionmanager: openai backend cannot message a running session")
}
