package describe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/image-captioner/pkg/client"
	"github.com/menta2k/image-captioner/pkg/processing"
)

// RoleMarker separates a chat template header from the assistant's reply in raw model output
const RoleMarker = "\nassistant\n"

var (
	ErrDescriptionFailed = errors.New("description failed")
	ErrMarkerMissing     = errors.New("role marker missing from model output")
	ErrEmptyDescription  = errors.New("model returned an empty description")
)

// Service produces a description for one image. Calls are made one at a
// time by the batch worker and may block for minutes.
type Service interface {
	Describe(ctx context.Context, imagePath, prompt string) (string, error)
}

// Config holds the knobs of a Describer
type Config struct {
	Model         string
	Send          processing.SendOptions
	Marker        string
	RequireMarker bool
}

// Describer implements Service on top of a vision backend
type Describer struct {
	client    client.VisionClient
	processor *processing.Processor
	config    Config
}

// NewDescriber creates a new describer with a vision client
func NewDescriber(vc client.VisionClient, cfg Config) *Describer {
	if cfg.Marker == "" {
		cfg.Marker = RoleMarker
	}
	if cfg.Send.Format == "" {
		cfg.Send = processing.DefaultSendOptions()
	}
	return &Describer{
		client:    vc,
		processor: processing.NewProcessor(),
		config:    cfg,
	}
}

// Backend returns the name of the underlying vision client
func (d *Describer) Backend() string {
	return d.client.Name()
}

// Model returns the model name sent with every request
func (d *Describer) Model() string {
	return d.config.Model
}

// Describe loads imagePath, sends it with prompt and returns the cleaned reply.
// Every error wraps ErrDescriptionFailed.
func (d *Describer) Describe(ctx context.Context, imagePath, prompt string) (string, error) {
	payload, err := d.processor.PrepareFile(imagePath, d.config.Send)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDescriptionFailed, err)
	}

	raw, err := d.client.Describe(ctx, d.config.Model, prompt, client.Image{
		Base64:   payload.Base64,
		MIMEType: payload.MIMEType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDescriptionFailed, d.client.Name(), err)
	}

	text, err := StripRoleMarker(raw, d.config.Marker, d.config.RequireMarker)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDescriptionFailed, err)
	}
	return text, nil
}

// StripRoleMarker returns the text after the first occurrence of marker,
// byte for byte. When marker is absent the whole text is kept, unless
// required is set. Whitespace-only output is ErrEmptyDescription.
func StripRoleMarker(raw, marker string, required bool) (string, error) {
	text := raw
	if marker != "" {
		if i := strings.Index(raw, marker); i >= 0 {
			text = raw[i+len(marker):]
		} else if required {
			return "", ErrMarkerMissing
		}
	}

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDescription
	}
	return text, nil
}
