// Package vision extracts Markdown from scanned PDF pages through an
// OpenAI-compatible chat-completions endpoint.
package vision

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

	"github.com/local/docpipe/internal/errs"
)

// ErrRateLimited marks an HTTP 429 from the model endpoint.
var ErrRateLimited = errors.New("rate_limited")

// Request is one page OCR call.
type Request struct {
	Prompt   string
	ImagePNG []byte
}

// Client is the model transport.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// OpenAIClient implements Client against any OpenAI-style base URL.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewOpenAIClient builds the client; timeout bounds a single page call.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if timeout < 60*time.Second {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

type chatMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one page image with the OCR instruction. Temperature is
// pinned at 0.1; the extraction must be reproducible, not creative.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", errs.Validation("vision API key not configured")
	}

	imageURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []map[string]any{
				{"type": "text", "text": req.Prompt},
				{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
			},
		}},
		Temperature: 0.1,
		MaxTokens:   4096,
	}

	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errs.Internal(err, "build vision request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errs.UpstreamUnavailable(err, "vision endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errs.UpstreamUnavailable(
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			"vision endpoint returned HTTP %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errs.UpstreamUnavailable(err, "vision endpoint returned malformed JSON")
	}
	if len(out.Choices) == 0 {
		msg := out.Error.Message
		if msg == "" {
			msg = "no choices in response"
		}
		return "", errs.UpstreamRejected("vision endpoint rejected the page: %s", msg)
	}
	return out.Choices[0].Message.Content, nil
}
