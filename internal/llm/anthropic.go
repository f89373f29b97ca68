package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK client used by
// the provider. It is satisfied by *sdk.MessageService so callers can pass
// either a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic provider.
type AnthropicOptions struct {
	// DefaultModel is used when StructuredRequest.Model is empty.
	DefaultModel string
	// MaxTokens caps completions when the request does not set one.
	MaxTokens int
}

// AnthropicProvider implements Generator on top of the Claude Messages API.
// The response schema is embedded in the system prompt and the reply is
// validated against it before being returned; invalid output is an error,
// never a silently-parsed guess.
type AnthropicProvider struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider builds a provider from a Messages client.
func NewAnthropicProvider(msg MessagesClient, opts AnthropicOptions) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicProvider{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// NewAnthropicProviderFromAPIKey constructs a provider using the default
// Anthropic HTTP client.
func NewAnthropicProviderFromAPIKey(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&client.Messages, AnthropicOptions{DefaultModel: defaultModel})
}

// Name implements registry.Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Capabilities implements registry.Provider.
func (p *AnthropicProvider) Capabilities() []string { return []string{"structured_generation"} }

// IsHealthy implements registry.Provider.
func (p *AnthropicProvider) IsHealthy() bool { return true }

// GenerateStructured implements Generator.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	if len(req.Schema) == 0 {
		return nil, errors.New("anthropic: response schema is required")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	conversation, system := encodeMessages(req.Messages)
	system = append(system, sdk.TextBlockParam{Text: schemaInstruction(req.SchemaName, req.Schema)})

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(model),
		System:    system,
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	raw := json.RawMessage(extractJSON(text.String()))
	if _, err := ValidateAgainstSchema(req.SchemaName, req.Schema, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func encodeMessages(msgs []Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 2)
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return conversation, system
}

func schemaInstruction(name string, schema json.RawMessage) string {
	return "Respond with a single JSON object named " + name +
		" that validates against this JSON schema. Output only the JSON object, no prose:\n" + string(schema)
}

// extractJSON trims any stray prose around the outermost JSON object. The
// schema validation after this is what actually gates the response.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}
