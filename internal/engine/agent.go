package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/casecall/internal/transcript"
)

// AgentResponder generates replies with the openai-agents-go runner.
type AgentResponder struct {
	provider     agents.ModelProvider
	defaultModel string
	maxTokens    int
	timeout      time.Duration
}

// NewAgentResponder wraps provider. defaultModel is used when a turn names no
// model.
func NewAgentResponder(provider agents.ModelProvider, defaultModel string, maxTokens int) *AgentResponder {
	return &AgentResponder{
		provider:     provider,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		timeout:      60 * time.Second,
	}
}

// NewOpenAIResponder builds a responder on the OpenAI chat completions API.
// baseURL may point at any compatible server.
func NewOpenAIResponder(apiKey, baseURL, defaultModel string, maxTokens int) *AgentResponder {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return NewAgentResponder(agents.NewOpenAIProvider(params), defaultModel, maxTokens)
}

// Respond runs one single-turn agent over the conversation so far.
func (a *AgentResponder) Respond(ctx context.Context, turn Turn) (string, error) {
	model := turn.Model
	if model == "" {
		model = a.defaultModel
	}

	agent := agents.New("assistant").
		WithInstructions(turn.SystemPrompt).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, agentInput(turn))
	if err != nil {
		return "", fmt.Errorf("agent stream start: %w", err)
	}

	var buf strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		buf.WriteString(raw.Data.Delta)
	}
	if streamErr := <-errCh; streamErr != nil {
		return "", fmt.Errorf("agent stream: %w", streamErr)
	}

	text := strings.TrimSpace(buf.String())
	if text == "" {
		return "", errors.New("agent returned no text")
	}
	return text, nil
}

// agentInput renders the prior exchange followed by the new doctor line.
func agentInput(turn Turn) string {
	history := transcript.Render(turn.History)
	if history == "" {
		return turn.Text
	}
	return "Conversation so far:\n" + history + "\n\nDoctor: " + turn.Text
}
