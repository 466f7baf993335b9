// Package llamacpp talks to OpenAI-compatible chat completion servers such as
// llama.cpp's llama-server, vLLM or the OpenAI API itself.
package llamacpp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/menta2k/image-captioner/pkg/client"
)

// DefaultURL is where llama-server listens by default
const DefaultURL = "http://localhost:8080/v1"

// placeholderKey satisfies servers that require an Authorization header but ignore its value
const placeholderKey = "sk-no-key-required"

var _ client.VisionClient = (*Client)(nil)

type Client struct {
	api       openai.Client
	timeout   time.Duration
	maxTokens int64
}

// NewClient creates a client for serverURL. The /v1 suffix is added when missing.
func NewClient(serverURL, apiKey string, timeout time.Duration) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("invalid URL: %q needs http or https scheme", serverURL)
	}
	if apiKey == "" {
		apiKey = placeholderKey
	}

	return &Client{
		api: openai.NewClient(
			option.WithBaseURL(baseURL(serverURL)),
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
		timeout:   timeout,
		maxTokens: 4096,
	}, nil
}

func baseURL(serverURL string) string {
	u := strings.TrimSuffix(serverURL, "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u + "/"
}

// Name identifies the backend in logs and metrics
func (c *Client) Name() string { return "llamacpp" }

// Describe sends prompt and img as a single user message
func (c *Client) Describe(ctx context.Context, model, prompt string, img client.Image) (string, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:" + mime + ";base64," + img.Base64,
		}),
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
		MaxTokens:   openai.Int(c.maxTokens),
		Temperature: openai.Float(0.7),
		TopP:        openai.Float(0.8),
	})
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	text := resp.Choices[0].Message.Content
	if text == "" {
		return "", fmt.Errorf("empty response from server")
	}
	return text, nil
}
