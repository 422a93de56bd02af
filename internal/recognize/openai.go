package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SystemPrompt instructs vision engines to transcribe, not summarize.
const SystemPrompt = "You transcribe document pages. Return the complete text of the page " +
	"exactly as written, preserving reading order and paragraph breaks. " +
	"Do not add commentary, headings or formatting that is not on the page."

// OpenAI calls the chat completions API with the page as an inline image.
type OpenAI struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
}

func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	return &OpenAI{
		http:    &http.Client{Timeout: timeout},
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
	}
}

// WithBaseURL points the client at a compatible endpoint.
func (c *OpenAI) WithBaseURL(u string) *OpenAI {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

func (c *OpenAI) Name() string { return "openai" }

type openAIMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type openAIChatReq struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIChatResp struct {
	Choices []struct {
		Message struct {
			Content string  `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAI) Recognize(ctx context.Context, img Image) (string, error) {
	if c.apiKey == "" {
		return "", &HTTPError{StatusCode: http.StatusUnauthorized, Engine: c.Name(), Body: "missing OPENAI_API_KEY"}
	}
	imageURL := fmt.Sprintf("data:%s;base64,%s", mimeOf(img), base64.StdEncoding.EncodeToString(img.Data))
	payload := openAIChatReq{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   4096,
		Messages: []openAIMessage{
			{Role: "system", Content: []map[string]any{{"type": "text", "text": SystemPrompt}}},
			{Role: "user", Content: []map[string]any{
				{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
				{"type": "text", "text": fmt.Sprintf("CURRENT PAGE NUMBER: %d\n\nReturn the complete text of this page.", img.Page)},
			}},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := statusError(c.Name(), resp); err != nil {
		return "", err
	}

	var r openAIChatResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(r.Choices) == 0 {
		return "", errors.New("no choices")
	}
	msg := r.Choices[0].Message
	if msg.Refusal != nil && *msg.Refusal != "" {
		return "", fmt.Errorf("%w: %s", ErrContentRefused, *msg.Refusal)
	}
	return strings.TrimSpace(msg.Content), nil
}

func mimeOf(img Image) string {
	if img.MIME != "" {
		return img.MIME
	}
	return http.DetectContentType(img.Data)
}

// statusError maps a non-2xx response to the classified error types.
func statusError(engine string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Engine: engine, Reason: strings.TrimSpace(string(b))}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Engine: engine, Body: strings.TrimSpace(string(b))}
}
