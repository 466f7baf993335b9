package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
)

// SendOptions controls how an image is re-encoded before it is sent to a model
type SendOptions struct {
	Format  string // jpg|png
	MaxSize int    // max long side in px, 0 keeps the original size
	Quality int    // JPEG quality 1-100
}

// DefaultSendOptions mirrors the defaults of the CLI
func DefaultSendOptions() SendOptions {
	return SendOptions{Format: "jpg", MaxSize: 1536, Quality: 85}
}

// Payload is an encoded image ready for a vision backend
type Payload struct {
	Base64   string
	MIMEType string
	Width    int
	Height   int
}

// Bytes returns the decoded payload bytes
func (p Payload) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Base64)
}

// Processor handles image processing operations
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from a file path, applying EXIF orientation
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	// Fallback: explicit BMP decode, then whatever image.Decode can do
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), "bmp") {
		if img, err := bmp.Decode(f); err == nil {
			return img, nil
		}
	}
	if _, err := f.Seek(0, 0); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if quality < 1 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// PrepareFile loads the image at path and encodes it per opts
func (p *Processor) PrepareFile(path string, opts SendOptions) (Payload, error) {
	img, err := p.LoadImage(path)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to load image: %w", err)
	}

	b64, err := p.PrepareImageForModel(img, opts.Format, opts.MaxSize, opts.Quality)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode image: %w", err)
	}

	w, h := scaledSize(img.Bounds().Dx(), img.Bounds().Dy(), opts.MaxSize)
	return Payload{
		Base64:   b64,
		MIMEType: MIMEType(opts.Format),
		Width:    w,
		Height:   h,
	}, nil
}

// MIMEType returns the content type for a send format
func MIMEType(format string) string {
	if strings.ToLower(format) == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// scaledSize reports the dimensions PrepareImageForModel produces
func scaledSize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, int(float64(h)*float64(maxDim)/float64(w) + 0.5)
	}
	return int(float64(w)*float64(maxDim)/float64(h) + 0.5), maxDim
}
