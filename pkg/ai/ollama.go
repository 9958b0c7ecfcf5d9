package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls the Ollama HTTP API.
type OllamaClient struct {
	baseURL string
	// no client timeout: streams are bounded by the request context
	httpClient *http.Client
}

// NewOllamaClient constructs a client with the provided base URL.
func NewOllamaClient(baseURL string) *OllamaClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// OllamaStreamer wraps OllamaClient with a fixed model, using the streaming
// /api/chat endpoint (newline-delimited JSON).
type OllamaStreamer struct {
	client *OllamaClient
	model  string
}

// NewOllamaStreamer builds an Ollama-based Streamer.
func NewOllamaStreamer(client *OllamaClient, model string) *OllamaStreamer {
	return &OllamaStreamer{client: client, model: strings.TrimSpace(model)}
}

func (g *OllamaStreamer) Model() string { return g.model }

// StreamChat implements Streamer using Ollama /api/chat.
func (g *OllamaStreamer) StreamChat(ctx context.Context, messages []Message) (Stream, error) {
	if g.model == "" {
		return nil, fmt.Errorf("ollama generation model required")
	}
	reqBody := ollamaChatRequest{
		Model:    g.model,
		Messages: make([]ollamaChatMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	resp, err := postStream(ctx, g.client.httpClient, g.client.baseURL+"/api/chat", nil, reqBody, describeOllamaError)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	return newLineStream(resp.Body, decodeOllamaLine), nil
}

func decodeOllamaLine(line []byte) (string, bool, error) {
	var chunk ollamaChatChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false, fmt.Errorf("ollama decode: %w", err)
	}
	if chunk.Error != "" {
		return "", false, fmt.Errorf("ollama api error: %s", chunk.Error)
	}
	return chunk.Message.Content, chunk.Done, nil
}

func describeOllamaError(status string, body []byte) error {
	var errResp ollamaErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("ollama api error: %s", errResp.Error)
	}
	return fmt.Errorf("ollama api error: %s", status)
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatChunk struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
