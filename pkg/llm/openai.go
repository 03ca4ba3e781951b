package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/chatbuddy/chatbuddy/pkg/config"
	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// OpenAIProvider serves any OpenAI-compatible chat completion endpoint
type OpenAIProvider struct {
	name string
	cfg  config.ProviderConfig
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint
func NewOpenAIProvider(name string, cfg config.ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{name: name, cfg: cfg}
}

// Name returns the configured provider name
func (p *OpenAIProvider) Name() string { return p.name }

// Complete sends the conversation and returns the assistant's reply
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = p.cfg.APIKey
	}
	if apiKey == "" {
		return "", fmt.Errorf("no API key for provider %s", p.name)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if p.cfg.Endpoint != "" {
		clientConfig.BaseURL = p.cfg.Endpoint
	}
	client := openai.NewClientWithConfig(clientConfig)

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.cfg.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openAIRole(msg.Role),
			Content: msg.Content,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(p.cfg.Temperature),
		MaxTokens:   p.cfg.MaxTokens,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion via %s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion via %s: empty response", p.name)
	}

	return resp.Choices[0].Message.Content, nil
}

// openAIRole maps a domain role onto the wire role
func openAIRole(role domain.MessageRole) string {
	switch role {
	case domain.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case domain.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
