package contract

import (
	"context"
	"time"
)

// Provider is one capability behind the shared provider interface
// (web search, page automation, document tooling, memory lookup, ...).
type Provider interface {
	Name() string
	Execute(ctx context.Context, st *State) (ProviderResponse, error)
}

// Registry exposes the closed set of registered capability providers.
type Registry interface {
	Get(name string) (Provider, bool)
	// Names returns provider names in registration order.
	Names() []string
	// Default returns the configured fallback provider name, if any.
	Default() string
}

// TextService is the opaque text-in/text-out completion service. Prompt
// construction always happens on the caller's side.
type TextService interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// Summarizer condenses a message history into a short summary. It is an
// optional external collaborator; the memory store falls back to a
// placeholder summary when none is configured.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}
