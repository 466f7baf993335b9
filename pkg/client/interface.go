package client

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single model call when the caller's context has no deadline
const DefaultTimeout = 300 * time.Second

// VisionClient sends one image and one prompt to a vision model and returns its text
type VisionClient interface {
	Describe(ctx context.Context, model, prompt string, img Image) (string, error)
	Name() string
}

// Image is an encoded image payload
type Image struct {
	Base64   string
	MIMEType string
}

// WithDefaultTimeout adds timeout to ctx if it has no deadline yet
func WithDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
