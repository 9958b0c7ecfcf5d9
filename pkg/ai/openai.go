package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIStreamer streams from OpenAI or any OpenAI-compatible
// /v1/chat/completions endpoint (vLLM, LiteLLM, LocalAI, OpenRouter, ...).
type OpenAIStreamer struct {
	client *openai.Client
	model  string
}

// NewOpenAIStreamer builds an OpenAI streamer. baseURL should include the /v1
// prefix, e.g. "http://localhost:8000/v1"; empty means api.openai.com.
// apiKey can be empty for local models that do not require authentication.
func NewOpenAIStreamer(baseURL, apiKey, model string) *OpenAIStreamer {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIStreamer{
		client: openai.NewClientWithConfig(cfg),
		model:  strings.TrimSpace(model),
	}
}

func (g *OpenAIStreamer) Model() string { return g.model }

// StreamChat implements Streamer using the chat completions streaming API.
func (g *OpenAIStreamer) StreamChat(ctx context.Context, messages []Message) (Stream, error) {
	if g.model == "" {
		return nil, fmt.Errorf("openai generation model required")
	}
	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}
	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func openAIRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	closed bool
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("openai stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Close()
	return nil
}
