// Package llm talks to the AI vendors. Every provider exposes the same
// chat-completion surface; "openai" kind covers any OpenAI-compatible
// endpoint (OpenAI, Mistral, Deepseek, Llama hosts, Gemini's compatibility
// endpoint), "anthropic" kind covers Claude.
package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/chatbuddy/chatbuddy/pkg/config"
	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// Request is one chat-completion call. Messages carry the conversation in
// chronological order, the last one being the user's new message.
type Request struct {
	Messages []domain.Message
	Model    string // optional override of the provider's default model
	APIKey   string // per-user key from settings; falls back to the service key
}

// Provider is one configured AI vendor endpoint
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Registry holds the configured providers keyed by name
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds providers from configuration
func NewRegistry(cfgs map[string]config.ProviderConfig) *Registry {
	providers := make(map[string]Provider, len(cfgs))
	for name, cfg := range cfgs {
		switch cfg.Kind {
		case "anthropic":
			providers[name] = NewAnthropicProvider(name, cfg)
		default:
			providers[name] = NewOpenAIProvider(name, cfg)
		}
	}
	return &Registry{providers: providers}
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
