// Package completion calls an OpenAI-compatible chat completion endpoint
// and reports the tokens each call consumed.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Request is one completion call: instructions, the user's content and the
// grounding excerpts the answer must be based on.
type Request struct {
	SystemPrompt string
	UserContent  string
	Grounding    []string
}

// Response carries the model's text and the tokens the call consumed.
type Response struct {
	Text           string
	TokensConsumed int
}

// Completer is the completion service port.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ChatClient is the subset of *openai.Client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements Completer over go-openai.
type Client struct {
	chat    ChatClient
	model   string
	timeout time.Duration
	backoff time.Duration
}

// NewClient returns a Client that sends requests for model through chat.
func NewClient(chat ChatClient, model string) *Client {
	return &Client{chat: chat, model: model, timeout: defaultTimeout, backoff: initialBackoff}
}

// NewOpenAI builds the underlying go-openai client. An empty baseURL keeps
// the library default.
func NewOpenAI(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// Complete sends req, retrying with exponential backoff when rate limited.
// Other errors are returned immediately.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: BuildSystemMessage(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.UserContent},
		},
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.do(ctx, chatReq)
		if err == nil {
			return c.toResponse(chatReq, resp)
		}
		if !isRateLimit(err) {
			return Response{}, fmt.Errorf("chat completion: %w", err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			slog.Debug("completion rate limited, retrying", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return Response{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.chat.CreateChatCompletion(reqCtx, req)
}

func (c *Client) toResponse(req openai.ChatCompletionRequest, resp openai.ChatCompletionResponse) (Response, error) {
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	tokens := resp.Usage.TotalTokens
	if tokens <= 0 {
		// Some compatible servers omit usage; debit an estimate instead of nothing.
		for _, m := range req.Messages {
			tokens += EstimateTokens(m.Content)
		}
		tokens += EstimateTokens(text)
	}
	return Response{Text: text, TokensConsumed: tokens}, nil
}

// BuildSystemMessage joins the system prompt and the grounding block into
// the single system message sent to the model.
func BuildSystemMessage(req Request) string {
	if len(req.Grounding) == 0 {
		return req.SystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(req.SystemPrompt)
	sb.WriteString("\n\n[Grounding]\n")
	for _, g := range req.Grounding {
		sb.WriteString(g)
		if !strings.HasSuffix(g, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateRequest estimates the prompt tokens of req.
func EstimateRequest(req Request) int {
	return EstimateTokens(BuildSystemMessage(req)) + EstimateTokens(req.UserContent)
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
