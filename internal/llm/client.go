// Package llm talks to an OpenAI-compatible chat-completions endpoint. It
// backs both reply generation and the intent-classification fallback.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/model"
)

// Client calls the configured completion endpoint.
type Client struct {
	http  *resty.Client
	model string
	log   zerolog.Logger
}

// NewClient builds a Client. baseURL is the API root, e.g.
// "https://api.openai.com/v1" or a compatible proxy.
func NewClient(baseURL, apiKey, modelName string, timeout time.Duration, log zerolog.Logger) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		hc.SetAuthToken(apiKey)
	}
	return &Client{
		http:  hc,
		model: modelName,
		log:   log.With().Str("component", "llm").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// historyLimit bounds how much context travels with each completion call.
const historyLimit = 20

// GenerateReply produces one assistant turn. Returns the reply text and the
// token cost reported by the endpoint.
func (c *Client) GenerateReply(ctx context.Context, systemPrompt string, history []model.ChatMessage, input string) (string, int, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	start := 0
	if len(history) > historyLimit {
		start = len(history) - historyLimit
	}
	for _, h := range history[start:] {
		msgs = append(msgs, chatMessage{Role: string(h.Role), Content: h.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: input})

	out, err := c.complete(ctx, chatRequest{Model: c.model, Messages: msgs, Temperature: 0.7})
	if err != nil {
		return "", 0, err
	}
	return out.Choices[0].Message.Content, out.Usage.TotalTokens, nil
}

const classifyPrompt = `Classify the user message into exactly one label from:
CHAT, WEATHER, ROLE_PLAY, CONTEXT_CREATE, CONTEXT_JOIN, CONTEXT_LEAVE, CONTEXT_END, USER_BAN, UNKNOWN.
Answer with JSON: {"intent":"LABEL","confidence":0.0,"entities":{}}`

// ClassifyViaModel asks the endpoint to label a message. Used as the intent
// classifier's last resort before UNKNOWN.
func (c *Client) ClassifyViaModel(ctx context.Context, text string) (*model.IntentResult, error) {
	out, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens: 100,
	})
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(out.Choices[0].Message.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.Trim(raw, "` \n")
	var res model.IntentResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: unparseable classification %q", model.ErrUpstreamUnavailable, raw)
	}
	return &res, nil
}

func (c *Client) complete(ctx context.Context, req chatRequest) (*chatResponse, error) {
	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		// Some proxies answer with a bare text/plain content type.
		ForceContentType("application/json").
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	if resp.IsError() {
		c.log.Warn().Int("status", resp.StatusCode()).Msg("completion request failed")
		return nil, fmt.Errorf("%w: completion endpoint returned %d", model.ErrUpstreamUnavailable, resp.StatusCode())
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrUpstreamUnavailable, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", model.ErrUpstreamUnavailable)
	}
	return &out, nil
}
