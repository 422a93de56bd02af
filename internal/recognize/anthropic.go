package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Anthropic struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
}

func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	return &Anthropic{
		http:    &http.Client{Timeout: timeout},
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (c *Anthropic) WithBaseURL(u string) *Anthropic {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

func (c *Anthropic) Name() string { return "anthropic" }

type anthropicMsgReq struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type anthropicMsgResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (c *Anthropic) Recognize(ctx context.Context, img Image) (string, error) {
	if c.apiKey == "" {
		return "", &HTTPError{StatusCode: http.StatusUnauthorized, Engine: c.Name(), Body: "missing ANTHROPIC_API_KEY"}
	}
	payload := anthropicMsgReq{
		Model:     c.model,
		MaxTokens: 4096,
		System:    SystemPrompt,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []map[string]any{
				{"type": "image", "source": map[string]string{
					"type":       "base64",
					"media_type": mimeOf(img),
					"data":       base64.StdEncoding.EncodeToString(img.Data),
				}},
				{"type": "text", "text": fmt.Sprintf("CURRENT PAGE NUMBER: %d\n\nReturn the complete text of this page.", img.Page)},
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 529 {
		return "", &RateLimitError{Engine: c.Name(), Reason: "overloaded"}
	}
	if err := statusError(c.Name(), resp); err != nil {
		return "", err
	}

	var r anthropicMsgResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}
	if r.StopReason == "refusal" {
		return "", ErrContentRefused
	}
	if len(r.Content) == 0 {
		return "", errors.New("no content")
	}
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
