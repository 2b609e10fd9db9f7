// Package llm is the completion boundary. The engine and curator depend on
// the Completer interface only; the HTTP client is one implementation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Persona describes the agent on whose behalf a completion runs.
type Persona struct {
	Role      string
	Goal      string
	Backstory string
}

// Request is one completion call.
type Request struct {
	Persona        Persona
	Prompt         string
	ExpectedOutput string
}

// Completer produces free text for a persona-framed prompt. Failures surface
// as generic errors; callers do not distinguish subtypes and never retry.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Client calls the Anthropic messages API.
type Client struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// NewClient builds a Client with defaults filled in.
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:     apiKey,
		BaseURL:    defaultBaseURL,
		Model:      defaultModel,
		MaxTokens:  defaultMaxTokens,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete runs one messages call. The persona becomes the system prompt.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("llm: api key not configured")
	}

	body := messagesRequest{
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
		System:    systemPrompt(req.Persona),
		Messages:  []message{{Role: "user", Content: userPrompt(req)}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.APIKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: completion call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm: completion status %d: %s", resp.StatusCode, string(b))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}

	var out strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return out.String(), nil
}

func systemPrompt(p Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", p.Role)
	if p.Goal != "" {
		fmt.Fprintf(&b, "\nYour goal: %s", p.Goal)
	}
	if p.Backstory != "" {
		fmt.Fprintf(&b, "\nBackground: %s", p.Backstory)
	}
	return b.String()
}

func userPrompt(req Request) string {
	if req.ExpectedOutput == "" {
		return req.Prompt
	}
	return fmt.Sprintf("%s\n\nExpected output: %s", req.Prompt, req.ExpectedOutput)
}
