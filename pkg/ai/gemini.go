package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a client with the provided API key. An empty
// baseURL selects the public endpoint.
func NewGeminiClient(apiKey, baseURL string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}, nil
}

// GeminiStreamer wraps GeminiClient with a fixed model.
type GeminiStreamer struct {
	client *GeminiClient
	model  string
}

// NewGeminiStreamer builds a Gemini-based Streamer.
func NewGeminiStreamer(client *GeminiClient, model string) *GeminiStreamer {
	return &GeminiStreamer{client: client, model: normalizeModel(model)}
}

func (g *GeminiStreamer) Model() string { return g.model }

// StreamChat implements Streamer using streamGenerateContent with SSE framing.
// System messages become the system instruction; assistant turns use the
// "model" role.
func (g *GeminiStreamer) StreamChat(ctx context.Context, messages []Message) (Stream, error) {
	var system []string
	reqBody := generateRequest{}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			reqBody.Contents = append(reqBody.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			reqBody.Contents = append(reqBody.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.client.baseURL, url.PathEscape(g.model), url.QueryEscape(g.client.apiKey))
	resp, err := postStream(ctx, g.client.httpClient, endpoint, nil, reqBody, describeGeminiError)
	if err != nil {
		return nil, fmt.Errorf("gemini stream: %w", err)
	}
	return newLineStream(resp.Body, decodeGeminiLine), nil
}

func decodeGeminiLine(line []byte) (string, bool, error) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return "", false, nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", false, nil
	}
	var resp generateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, fmt.Errorf("gemini decode: %w", err)
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return "", false, fmt.Errorf("gemini api error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return "", false, nil
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	done := resp.Candidates[0].FinishReason != ""
	return sb.String(), done, nil
}

func describeGeminiError(status string, body []byte) error {
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return fmt.Errorf("gemini api error: %s", errResp.Error.Message)
	}
	return fmt.Errorf("gemini api error: %s", status)
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
