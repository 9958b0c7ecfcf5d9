package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Role of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a chat prompt.
type Message struct {
	Role    Role
	Content string
}

// Stream yields generated text fragments. Recv returns io.EOF after the last
// fragment, and only once the provider signalled the end of the response. Close releases the underlying connection and is safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Streamer starts a streamed chat completion.
// All LLM providers (OpenAI-compatible, Ollama, Gemini) implement this interface.
type Streamer interface {
	StreamChat(ctx context.Context, messages []Message) (Stream, error)
	Model() string
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewStreamer builds the Streamer for cfg.Provider.
func NewStreamer(cfg Config) (Streamer, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai", "openai-compat":
		return NewOpenAIStreamer(cfg.BaseURL, cfg.APIKey, model), nil
	case "ollama":
		return NewOllamaStreamer(NewOllamaClient(cfg.BaseURL), model), nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiStreamer(client, model), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", cfg.Provider)
	}
}

// lineStream reads a line oriented HTTP body and hands each non-empty line to
// decode, which returns the text fragment it carries (possibly empty), whether
// the stream is finished, or an error.
type lineStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	decode func(line []byte) (text string, done bool, err error)
	done   bool
}

func newLineStream(body io.ReadCloser, decode func([]byte) (string, bool, error)) *lineStream {
	return &lineStream{body: body, reader: bufio.NewReader(body), decode: decode}
}

func (s *lineStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			text, done, decodeErr := s.decode(line)
			if decodeErr != nil {
				return "", decodeErr
			}
			if done {
				s.done = true
			}
			if text != "" {
				return text, nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// the body ended without the provider's final frame
				return "", fmt.Errorf("stream truncated: %w", io.ErrUnexpectedEOF)
			}
			return "", err
		}
	}
}

func (s *lineStream) Close() error {
	return s.body.Close()
}

// postStream sends a JSON request and returns the open response. Non-2xx
// responses are closed and turned into an error via describe.
func postStream(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, describe func(status string, body []byte) error) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, describe(resp.Status, raw)
	}
	return resp, nil
}
