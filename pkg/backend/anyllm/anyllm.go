// Package anyllm provides a generation backend backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// The transcript is rendered for the speaking agent's point of view: its own
// prior messages become assistant turns, every other participant's messages
// become user turns prefixed with the speaker ID, so the model can follow a
// multi-party exchange through a two-role chat API.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/types"
)

// Provider implements [backend.Provider] by wrapping any-llm-go.
type Provider struct {
	llm   anyllmlib.Provider
	name  string
	model string
}

var _ backend.Provider = (*Provider)(nil)

// New creates a Provider backed by the named upstream.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// default model, used when a persona names none.
//
// opts are any-llm-go options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL); without an API key option the upstream falls back
// to its environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, …).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	llm, err := createUpstream(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q upstream: %w", providerName, err)
	}
	return &Provider{llm: llm, name: providerName, model: model}, nil
}

// createUpstream constructs the underlying any-llm-go provider.
func createUpstream(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Generate implements [backend.Provider].
func (p *Provider) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	resp, err := p.llm.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, backend.Classify(p.name, fmt.Errorf("anyllm: completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, &backend.Error{
			Class:    backend.ClassMalformedResponse,
			Provider: p.name,
			Err:      errors.New("empty choices in response"),
		}
	}

	content := resp.Choices[0].Message.ContentString()
	if strings.TrimSpace(content) == "" {
		return nil, &backend.Error{
			Class:    backend.ClassMalformedResponse,
			Provider: p.name,
			Err:      errors.New("empty completion content"),
		}
	}

	out := &backend.Response{Content: content}
	if resp.Usage != nil {
		out.Usage = backend.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// buildParams converts a backend request into anyllm CompletionParams.
func (p *Provider) buildParams(req backend.Request) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Transcript)+1)

	if req.Persona.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.Persona.SystemPrompt,
		})
	}
	for _, m := range req.Transcript {
		messages = append(messages, renderMessage(m, req.AgentID))
	}

	model := req.Persona.Model
	if model == "" {
		model = p.model
	}
	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}

	if t := req.Persona.Temperature; t != 0 {
		params.Temperature = &t
	}
	if mt := req.Persona.MaxTokens; mt > 0 {
		params.MaxTokens = &mt
	}
	return params
}

// renderMessage maps one transcript entry onto chat roles for the speaking
// agent identified by selfID.
func renderMessage(m types.Message, selfID string) anyllmlib.Message {
	if m.SpeakerID == selfID {
		return anyllmlib.Message{
			Role:    anyllmlib.RoleAssistant,
			Content: m.Content,
			Name:    m.SpeakerID,
		}
	}
	return anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: fmt.Sprintf("%s: %s", m.SpeakerID, m.Content),
		Name:    m.SpeakerID,
	}
}
