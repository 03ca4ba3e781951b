package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chatbuddy/chatbuddy/pkg/config"
	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// AnthropicProvider serves Claude models through the Anthropic API
type AnthropicProvider struct {
	name string
	cfg  config.ProviderConfig
}

// NewAnthropicProvider creates a provider for the Anthropic API
func NewAnthropicProvider(name string, cfg config.ProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{name: name, cfg: cfg}
}

// Name returns the configured provider name
func (p *AnthropicProvider) Name() string { return p.name }

// Complete sends the conversation and returns the assistant's reply.
// System-role messages are folded into the system prompt; the Anthropic API
// does not accept them in the message list.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = p.cfg.APIKey
	}
	if apiKey == "" {
		return "", fmt.Errorf("no API key for provider %s", p.name)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(p.cfg.Endpoint))
	}
	client := anthropic.NewClient(opts...)

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	var systemParts []string
	if p.cfg.SystemPrompt != "" {
		systemParts = append(systemParts, p.cfg.SystemPrompt)
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(p.cfg.MaxTokens),
		Temperature: anthropic.Float(p.cfg.Temperature),
		Messages:    messages,
	}
	if len(systemParts) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion via %s: %w", p.name, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("chat completion via %s: empty response", p.name)
	}
	return sb.String(), nil
}
