// Package backend defines the content-generation capability consumed by the
// turn loop.
//
// A backend receives a transcript snapshot and the speaking agent's persona
// and returns the agent's next contribution as plain text. The turn loop
// retries a failed call exactly once with the same context, so
// implementations must be idempotent-safe for a single retry. Failures carry
// a class (timeout, malformed response, rate limited) through [*Error] so
// callers and metrics can tell operational conditions apart.
package backend

import (
	"context"

	"github.com/confabhq/confab/pkg/types"
)

// Request carries everything a backend needs to produce one contribution.
type Request struct {
	// Transcript is a detached snapshot of the conversation so far, in
	// append order. Implementations must not modify it.
	Transcript []types.Message

	// AgentID identifies the participant that will speak. Most backends only
	// need the persona; scripted backends key on this.
	AgentID string

	// Persona is the speaking agent's opaque configuration.
	Persona types.Persona
}

// Usage reports token accounting when the underlying provider exposes it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is one generated contribution.
type Response struct {
	// Content is the reply text, to be appended verbatim to the transcript.
	Content string

	// Usage is zero-valued for backends without token accounting.
	Usage Usage
}

// Provider produces contributions for automated participants.
type Provider interface {
	// Generate returns the next contribution for the requesting agent. The
	// call blocks until the reply is complete, ctx is done, or the provider
	// fails; it is one of the two suspension points of the turn loop.
	Generate(ctx context.Context, req Request) (*Response, error)
}
