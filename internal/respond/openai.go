// Package respond generates spoken replies from a call transcript using a
// chat completion model, streaming partial text to the caller so synthesis
// can start before the full reply exists.
package respond

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voicebridge/voicebridge/internal/call"
)

// defaultSystemPrompt frames the model as a voice agent; replies must be
// short enough to speak.
const defaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Reply in one or two short spoken sentences. Do not use markdown or lists."

// Config holds generator settings.
type Config struct {
	APIKey string
	Model  string // defaults to gpt-4o-mini
	// BaseURL overrides the API endpoint (for compatible gateways).
	BaseURL string
	// SystemPrompt overrides the built-in voice-agent framing.
	SystemPrompt string
}

// Generator implements call.Generator using the OpenAI chat completions
// API with streaming enabled.
type Generator struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger
}

// New creates a streaming chat generator.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("respond: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &Generator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		system: system,
		logger: logger.With("subsystem", "respond"),
	}, nil
}

// Generate produces a reply to the conversation so far. onPartial, when
// non-nil, receives each streamed delta; the deltas concatenate to the
// returned text.
func (g *Generator) Generate(ctx context.Context, transcript []call.TranscriptEntry, prompt string, onPartial func(string)) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(transcript)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.system,
	})
	for _, entry := range transcript {
		role := openai.ChatMessageRoleUser
		if entry.Speaker == call.SpeakerBot {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Text,
		})
	}
	if prompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		})
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("opening completion stream: %w", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onPartial != nil {
			onPartial(delta)
		}
	}

	text := strings.TrimSpace(b.String())
	g.logger.Debug("generated reply", "chars", len(text))
	return text, nil
}
