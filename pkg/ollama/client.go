package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/image-captioner/pkg/client"
)

// DefaultURL is where a local Ollama listens
const DefaultURL = "http://localhost:11434"

var _ client.VisionClient = (*Client)(nil)

// Client wraps the Ollama API client
type Client struct {
	client  *api.Client
	timeout time.Duration
	options map[string]any
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL string, timeout time.Duration) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = DefaultURL
	}

	// Parse the provided URL
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q needs scheme and host", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	// Create client with the specified URL, ignoring environment
	c := api.NewClient(baseURL, http.DefaultClient)

	return &Client{client: c, timeout: timeout}, nil
}

// Name identifies the backend in logs and metrics
func (c *Client) Name() string { return "ollama" }

// Describe asks the model for a natural-language description of img
func (c *Client) Describe(ctx context.Context, model, prompt string, img client.Image) (string, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	// Decode base64 image to raw bytes
	imgBytes, err := base64.StdEncoding.DecodeString(img.Base64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %v", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: modelOptions(model),
	}

	var sb strings.Builder
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from ollama")
	}
	return sb.String(), nil
}

// modelOptions returns sampling options for models that need them.
// Long captions need a large context and output budget.
func modelOptions(model string) map[string]any {
	options := map[string]any{
		"num_predict": 4096,
	}
	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["temperature"] = 0.7
		options["top_p"] = 0.8
		options["num_ctx"] = 4096
	}
	if strings.Contains(modelLower, "qwen") && strings.Contains(modelLower, "vl") {
		options["num_ctx"] = 8192
	}
	return options
}
