// Package openai adapts the OpenAI API to the pipeline's streaming chat,
// embedding and batch transcription interfaces.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/pkg/errorsx"
	"github.com/parley-ai/parley/pkg/resilience"
)

type Config struct {
	APIKey       string
	BaseURL      string
	ChatModel    string
	EmbedModel   string
	WhisperModel string
	Temperature  float32
	MaxTokens    int
}

func (c *Config) applyDefaults() {
	if c.ChatModel == "" {
		c.ChatModel = goopenai.GPT4oMini
	}
	if c.EmbedModel == "" {
		c.EmbedModel = string(goopenai.SmallEmbedding3)
	}
	if c.WhisperModel == "" {
		c.WhisperModel = goopenai.Whisper1
	}
	if c.Temperature == 0 {
		c.Temperature = 0.6
	}
}

type Client struct {
	api     *goopenai.Client
	cfg     Config
	log     *slog.Logger
	breaker *resilience.CircuitBreaker
}

func New(cfg Config, log *slog.Logger, breaker *resilience.CircuitBreaker) *Client {
	cfg.applyDefaults()
	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{api: goopenai.NewClientWithConfig(apiCfg), cfg: cfg, log: log, breaker: breaker}
}

// StreamChat streams a completion, invoking onToken for every non-empty
// delta in arrival order. The call blocks until the stream ends.
func (c *Client) StreamChat(ctx context.Context, system, user string, onToken func(string)) error {
	if c.breaker != nil && !c.breaker.Allow() {
		return errorsx.Wrap(
			resilience.RateLimitError{Provider: "openai", Message: "chat circuit open"},
			errorsx.ReasonLLMRateLimit,
		)
	}

	req := goopenai.ChatCompletionRequest{
		Model:       c.cfg.ChatModel,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: user},
		},
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return c.noteStreamErr(fmt.Errorf("open chat stream: %w", err))
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.noteStreamErr(fmt.Errorf("chat stream recv: %w", err))
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			onToken(delta)
		}
	}
	if c.breaker != nil {
		c.breaker.OnSuccess()
	}
	return nil
}

func (c *Client) noteStreamErr(err error) error {
	c.log.Warn("chat stream failed", "error", err)
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		rl := resilience.RateLimitError{Provider: "openai", Message: err.Error()}
		if c.breaker != nil {
			c.breaker.OnError(rl)
		}
		return errorsx.Wrap(rl, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(err, errorsx.ReasonLLMStream)
}

// Embed maps texts to vectors, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Model: goopenai.EmbeddingModel(c.cfg.EmbedModel),
		Input: texts,
	})
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("create embeddings: %w", err), errorsx.ReasonEmbedQuery)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errorsx.Wrap(fmt.Errorf("embedding index %d out of range", d.Index), errorsx.ReasonEmbedQuery)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Transcribe runs batch recognition on a finished WAV clip.
func (c *Client) Transcribe(ctx context.Context, wav []byte, lang string) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.cfg.WhisperModel,
		Reader:   bytes.NewReader(wav),
		FilePath: "utterance.wav",
		Language: lang,
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create transcription: %w", err), errorsx.ReasonSTTTranscribe)
	}
	return resp.Text, nil
}
