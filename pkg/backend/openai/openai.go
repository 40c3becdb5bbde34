// Package openai provides a generation backend backed by the OpenAI API
// directly, without the any-llm indirection. Prefer it when every automated
// participant speaks through OpenAI and provider-specific request options
// (organization, base URL overrides) matter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/types"
)

// Provider implements [backend.Provider] using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ backend.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI backend. model is the default model, used when
// a persona names none.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Generate implements [backend.Provider].
func (p *Provider) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, backend.Classify("openai", fmt.Errorf("openai: chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, &backend.Error{
			Class:    backend.ClassMalformedResponse,
			Provider: "openai",
			Err:      errors.New("empty choices in response"),
		}
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, &backend.Error{
			Class:    backend.ClassMalformedResponse,
			Provider: "openai",
			Err:      errors.New("empty completion content"),
		}
	}

	return &backend.Response{
		Content: content,
		Usage: backend.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildParams converts a backend request into OpenAI SDK params.
func (p *Provider) buildParams(req backend.Request) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Transcript)+1)

	if req.Persona.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.Persona.SystemPrompt))
	}
	for _, m := range req.Transcript {
		messages = append(messages, renderMessage(m, req.AgentID))
	}

	model := req.Persona.Model
	if model == "" {
		model = p.model
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	if t := req.Persona.Temperature; t != 0 {
		params.Temperature = param.NewOpt(t)
	}
	if mt := req.Persona.MaxTokens; mt > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(mt))
	}
	return params
}

// renderMessage maps one transcript entry onto chat roles for the speaking
// agent identified by selfID: its own prior messages become assistant turns,
// everyone else's become user turns prefixed with the speaker ID.
func renderMessage(m types.Message, selfID string) oai.ChatCompletionMessageParamUnion {
	if m.SpeakerID == selfID {
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Content)
		asst.Name = oai.String(m.SpeakerID)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
	return oai.UserMessage(fmt.Sprintf("%s: %s", m.SpeakerID, m.Content))
}
