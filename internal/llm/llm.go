// Package llm is the chat-agent and task-worker's only door to an actual
// model: a small provider-agnostic Chat contract plus two concrete
// adapters (Anthropic, OpenAI) wired with failover, per the fallback
// chain named in config.LLMProviderConfig.
//
// The supervisor core never imports this package (spec §1: "the core
// does not itself reason, generate code, or call LLMs"). Only the chat
// agent and the worker subprocess do.
//
// Grounded on the teacher's internal/engine/brain.go provider-dispatch
// shape (a switch over a configured provider string selecting one of
// several SDK-backed clients), generalized from genkit plugin selection
// to direct anthropic-sdk-go/openai-go clients, since this module wires
// those two SDKs directly rather than through a genkit indirection layer.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/ouroboros-agent/ouroboros/internal/config"
)

// Role is a chat message's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat/task conversation. ImagePath, if set,
// attaches an image read from disk (spec §6 "vision_query").
type Message struct {
	Role      Role
	Text      string
	ImagePath string
}

// Usage reports token counts and the model that produced a Response, for
// internal/budget and internal/metrics to fold into their totals.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Response is one completed model turn.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the contract spec §6 names for the LLM client: turn messages
// plus a system prompt into a response.
type Client interface {
	Chat(ctx context.Context, system string, messages []Message) (Response, error)
}

// namedClient pairs a Client with the provider name it logs under.
type namedClient struct {
	name   string
	client Client
}

// FailoverClient tries each configured provider in order, falling through
// to the next on error (spec §9's LLMProviderConfig.FallbackProviders).
type FailoverClient struct {
	chain  []namedClient
	logger *slog.Logger
}

// New builds a FailoverClient from cfg.LLM: cfg.LLM.Provider first, then
// each of cfg.LLM.FallbackProviders in order. Unknown or uncredentialed
// providers in the fallback list are skipped rather than failing
// construction — a missing fallback key just means failover won't reach
// that far.
func New(cfg config.Config, logger *slog.Logger) (*FailoverClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	order := append([]string{cfg.LLM.Provider}, cfg.LLM.FallbackProviders...)

	fc := &FailoverClient{logger: logger}
	seen := make(map[string]bool)
	for _, name := range order {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		c, err := buildProvider(name, cfg)
		if err != nil {
			logger.Warn("llm_provider_unavailable", slog.String("provider", name), slog.String("error", err.Error()))
			continue
		}
		fc.chain = append(fc.chain, namedClient{name: name, client: c})
	}
	if len(fc.chain) == 0 {
		return nil, fmt.Errorf("llm: no usable provider in %v", order)
	}
	return fc, nil
}

func buildProvider(name string, cfg config.Config) (Client, error) {
	switch name {
	case "anthropic":
		key := cfg.AnthropicAPIKey()
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		model := cfg.LLM.AnthropicModel
		if model == "" {
			model = "claude-sonnet-4-5-20250929"
		}
		return &anthropicClient{
			api:   anthropic.NewClient(option.WithAPIKey(key)),
			model: model,
		}, nil
	case "openai":
		key := cfg.OpenAIAPIKey()
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		model := cfg.LLM.OpenAIModel
		if model == "" {
			model = "gpt-4o"
		}
		return &openAIClient{
			api:   openai.NewClient(openaioption.WithAPIKey(key)),
			model: model,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Chat tries each provider in the configured order, logging and falling
// through on error. Returns the last error if every provider fails.
func (f *FailoverClient) Chat(ctx context.Context, system string, messages []Message) (Response, error) {
	var lastErr error
	for _, nc := range f.chain {
		resp, err := nc.client.Chat(ctx, system, messages)
		if err == nil {
			return resp, nil
		}
		f.logger.Warn("llm_call_failed_falling_over", slog.String("provider", nc.name), slog.String("error", err.Error()))
		lastErr = err
	}
	return Response{}, fmt.Errorf("llm: every provider failed, last error: %w", lastErr)
}

// anthropicClient adapts the Anthropic Messages API to Client.
type anthropicClient struct {
	api   anthropic.Client
	model string
}

func (c *anthropicClient) Chat(ctx context.Context, system string, messages []Message) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		Messages:  make([]anthropic.MessageParam, 0, len(messages)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range messages {
		blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Text)}
		if m.ImagePath != "" {
			data, mediaType, err := readImageAsBase64(m.ImagePath)
			if err != nil {
				return Response{}, fmt.Errorf("anthropic: read image %s: %w", m.ImagePath, err)
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
		}
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic chat: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if variant := block.AsAny(); variant != nil {
			if tb, ok := variant.(anthropic.TextBlock); ok {
				text.WriteString(tb.Text)
			}
		}
	}

	return Response{
		Text: text.String(),
		Usage: Usage{
			Model:            c.model,
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// openAIClient adapts the Chat Completions API to Client.
type openAIClient struct {
	api   openai.Client
	model string
}

func (c *openAIClient) Chat(ctx context.Context, system string, messages []Message) (Response, error) {
	var oaiMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		oaiMessages = append(oaiMessages, openai.SystemMessage(system))
	}
	for _, m := range messages {
		if m.ImagePath != "" {
			data, mediaType, err := readImageAsBase64(m.ImagePath)
			if err != nil {
				return Response{}, fmt.Errorf("openai: read image %s: %w", m.ImagePath, err)
			}
			dataURI := fmt.Sprintf("data:%s;base64,%s", mediaType, data)
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(m.Text),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURI}),
			}
			oaiMessages = append(oaiMessages, openai.UserMessage(parts))
			continue
		}
		if m.Role == RoleAssistant {
			oaiMessages = append(oaiMessages, openai.AssistantMessage(m.Text))
		} else {
			oaiMessages = append(oaiMessages, openai.UserMessage(m.Text))
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: oaiMessages,
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai chat: no choices returned")
	}

	return Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			Model:            c.model,
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// readImageAsBase64 reads a local image file and guesses its media type
// from the extension, the way a worker attaches a screenshot or diagram
// referenced by a task's payload.image field.
func readImageAsBase64(path string) (data, mediaType string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mediaType = "image/png"
	case ".gif":
		mediaType = "image/gif"
	case ".webp":
		mediaType = "image/webp"
	default:
		mediaType = "image/jpeg"
	}
	return base64.StdEncoding.EncodeToString(raw), mediaType, nil
}
