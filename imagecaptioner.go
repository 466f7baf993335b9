// Package imagecaptioner writes a caption file for every image in a folder
// using a local or hosted vision model, then moves each captioned pair into
// a "processed" subfolder.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		imagecaptioner "github.com/menta2k/image-captioner"
//		"github.com/menta2k/image-captioner/pkg/dispatch"
//		"github.com/menta2k/image-captioner/pkg/pipeline"
//		"github.com/menta2k/image-captioner/pkg/types"
//	)
//
//	func main() {
//		cfg := imagecaptioner.DefaultConfig()
//		cfg.Model = "qwen2.5vl:7b"
//
//		c, err := imagecaptioner.New(context.Background(), cfg, nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		sink := dispatch.SinkFuncs{
//			Result: func(r types.Result) { fmt.Println(r.Job.FileName(), r.Description) },
//		}
//		summary, err := c.Run(context.Background(), pipeline.Request{Folder: "./dataset", TriggerWord: "sks"}, sink)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%d/%d captioned\n", summary.Succeeded, summary.Total)
//	}
//
// The package wires these components:
//
// 1. Describer (pkg/describe): prepares the image and calls the backend
// 2. Stager (pkg/stager): enumerates images, writes sidecars, moves pairs
// 3. Pipeline (pkg/pipeline): the single background worker and its state
// 4. Dispatcher (pkg/dispatch): hands results to the front end goroutine
package imagecaptioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/menta2k/image-captioner/internal/config"
	"github.com/menta2k/image-captioner/pkg/client"
	"github.com/menta2k/image-captioner/pkg/describe"
	"github.com/menta2k/image-captioner/pkg/dispatch"
	"github.com/menta2k/image-captioner/pkg/gemini"
	"github.com/menta2k/image-captioner/pkg/llamacpp"
	"github.com/menta2k/image-captioner/pkg/ollama"
	"github.com/menta2k/image-captioner/pkg/pipeline"
	"github.com/menta2k/image-captioner/pkg/processing"
	"github.com/menta2k/image-captioner/pkg/prompt"
	"github.com/menta2k/image-captioner/pkg/stager"
	"github.com/menta2k/image-captioner/pkg/types"
)

// Version of the image captioner
const Version = "1.0.0"

// Config is the captioner configuration
type Config = config.Config

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return config.Default()
}

// Captioner binds a configured backend to a batch pipeline
type Captioner struct {
	cfg        *Config
	log        zerolog.Logger
	prompts    prompt.Store
	describer  *describe.Describer
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
}

// NewVisionClient creates the backend named by cfg.Backend
func NewVisionClient(ctx context.Context, cfg *Config) (client.VisionClient, error) {
	switch cfg.Backend {
	case "ollama":
		return ollama.NewClient(cfg.URL, cfg.Timeout)
	case "llamacpp":
		return llamacpp.NewClient(cfg.URL, cfg.APIKey, cfg.Timeout)
	case "gemini":
		return gemini.NewClient(ctx, cfg.APIKey, cfg.URL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// New validates cfg and builds a Captioner. A nil logger disables logging.
func New(ctx context.Context, cfg *Config, logger *zerolog.Logger) (*Captioner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	vc, err := NewVisionClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Backend, err)
	}
	return NewWithClient(cfg, vc, logger), nil
}

// NewWithClient builds a Captioner around an existing vision client
func NewWithClient(cfg *Config, vc client.VisionClient, logger *zerolog.Logger) *Captioner {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}

	promptPath := cfg.PromptFile
	if promptPath == "" {
		promptPath = prompt.DefaultPath()
	}
	prompts := prompt.NewFileStore(promptPath)

	describer := describe.NewDescriber(vc, describe.Config{
		Model: cfg.Model,
		Send: processing.SendOptions{
			Format:  cfg.Send.Format,
			MaxSize: cfg.Send.MaxSize,
			Quality: cfg.Send.Quality,
		},
		Marker:        cfg.Marker,
		RequireMarker: cfg.RequireMarker,
	})

	disp := dispatch.New()
	p := pipeline.New(pipeline.Options{
		Stager:     stager.NewWithDir(cfg.ProcessedDir),
		Describer:  describer,
		Prompts:    prompts,
		Dispatcher: disp,
		Logger:     &log,
		Backend:    describer.Backend(),
		Model:      describer.Model(),
	})

	return &Captioner{
		cfg:        cfg,
		log:        log,
		prompts:    prompts,
		describer:  describer,
		dispatcher: disp,
		pipeline:   p,
	}
}

// Pipeline exposes the underlying batch pipeline
func (c *Captioner) Pipeline() *pipeline.Pipeline { return c.pipeline }

// Dispatcher exposes the event queue the pipeline posts to
func (c *Captioner) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Prompts exposes the persisted prompt store
func (c *Captioner) Prompts() prompt.Store { return c.prompts }

// Backend returns the active backend name
func (c *Captioner) Backend() string { return c.describer.Backend() }

// runSink forwards only the events of one run and ends Serve right after
// its final event. Events left over from an earlier, force-stopped run are
// dropped.
type runSink struct {
	sink  dispatch.Sink
	runID string
	stop  func()
}

func (s runSink) OnResult(r types.Result) {
	if r.RunID == s.runID {
		s.sink.OnResult(r)
	}
}

func (s runSink) OnProgress(snap types.Snapshot) {
	if snap.RunID == s.runID {
		s.sink.OnProgress(snap)
	}
}

func (s runSink) OnDone(summary types.RunSummary) {
	if summary.RunID != s.runID {
		return
	}
	s.sink.OnDone(summary)
	s.stop()
}

// Run starts a batch and delivers its events to sink on the calling
// goroutine until the run ends. Cancelling ctx requests a cooperative stop;
// if the worker is still busy after the shutdown grace period the in-flight
// model call is aborted and Run returns pipeline.ErrForcedShutdown.
func (c *Captioner) Run(ctx context.Context, req pipeline.Request, sink dispatch.Sink) (types.RunSummary, error) {
	if sink == nil {
		sink = dispatch.SinkFuncs{}
	}

	runID, err := c.pipeline.Start(ctx, req)
	if err != nil {
		return types.RunSummary{}, err
	}

	serveCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	shutdown := make(chan error, 1)
	stopShutdown := context.AfterFunc(ctx, func() {
		grace, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
		defer cancel()
		err := c.pipeline.Shutdown(grace)
		if err != nil {
			c.log.Warn().Err(err).Str("run_id", runID).Msg("forcing shutdown")
			stop()
		}
		shutdown <- err
	})

	if err := c.dispatcher.Serve(serveCtx, runSink{sink: sink, runID: runID, stop: stop}); err != nil && !errors.Is(err, context.Canceled) {
		stopShutdown()
		return types.RunSummary{}, err
	}

	if !stopShutdown() {
		if err := <-shutdown; err != nil {
			return types.RunSummary{RunID: runID, State: types.StateCancelled}, err
		}
	}
	return c.pipeline.LastSummary(), nil
}
