package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/conversation"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/media"
)

// historyHeader introduces the recent turns appended to the system prompt.
const historyHeader = "\n\nHistorial de la conversación:\n"

// Client calls the OpenAI chat and transcription endpoints. It is safe for
// concurrent use.
type Client struct {
	api     *openai.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a client. An empty apiKey yields a client whose calls
// fail with ErrNotConfigured.
func NewClient(cfg Config, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "llm"),
	}

	if apiKey != "" {
		oc := openai.DefaultConfig(apiKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		c.api = openai.NewClientWithConfig(oc)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c.limiter = rate.NewLimiter(limit, cfg.Burst)

	return c
}

// Configured reports whether an API key was provided.
func (c *Client) Configured() bool { return c.api != nil }

// Complete asks the chat model for a reply. history is rendered into the
// system message as "Usuario:"/"Asistente:" lines.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []conversation.Turn, userText string) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(systemPrompt) == "" || strings.TrimSpace(userText) == "" {
		return "", ErrEmptyInput
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", wrapError("complete", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: BuildSystemPrompt(systemPrompt, history)},
			{Role: openai.ChatMessageRoleUser, Content: userText},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", wrapError("complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}

	c.logger.Debug("llm: completion done",
		"model", c.cfg.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return content, nil
}

// Transcribe implements media.Provider using the transcription endpoint.
func (c *Client) Transcribe(ctx context.Context, audio media.AudioFile) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", wrapError("transcribe", err)
	}

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: audio.Path,
		Language: audio.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", wrapError("transcribe", err)
	}

	return strings.TrimSpace(resp.Text), nil
}

// BuildSystemPrompt appends the recent turns to the configured prompt.
func BuildSystemPrompt(prompt string, history []conversation.Turn) string {
	if len(history) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString(historyHeader)
	for _, t := range history {
		label := "Usuario"
		if t.Role == conversation.RoleAssistant {
			label = "Asistente"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Content)
	}
	return b.String()
}
