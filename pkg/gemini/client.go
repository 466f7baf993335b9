package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/menta2k/image-captioner/pkg/client"
)

var _ client.VisionClient = (*Client)(nil)

// Client describes images through the Gemini API
type Client struct {
	client  *genai.Client
	timeout time.Duration
	maxOut  int32
}

// NewClient creates a Gemini client. baseURL may be empty to use the public endpoint.
func NewClient(ctx context.Context, apiKey, baseURL string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Client{client: c, timeout: timeout, maxOut: 4096}, nil
}

// Name identifies the backend in logs and metrics
func (c *Client) Name() string { return "gemini" }

// Describe sends prompt together with the inline image
func (c *Client) Describe(ctx context.Context, model, prompt string, img client.Image) (string, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	data, err := decode(img)
	if err != nil {
		return "", err
	}

	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mime, Data: data}},
			{Text: prompt},
		},
	}}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		MaxOutputTokens: c.maxOut,
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := extractText(resp)
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func decode(img client.Image) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(img.Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %v", err)
	}
	return data, nil
}
