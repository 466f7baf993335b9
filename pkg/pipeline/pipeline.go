// Package pipeline runs a batch of image description jobs on a single
// background worker.
//
// A run enumerates the folder once, then for every image in order: describe,
// prefix the trigger word, publish the result, write the sidecar, stage the
// pair into the processed folder and publish a timing snapshot. A job that
// fails at any step is logged and skipped; it never aborts the run.
// Cancellation is cooperative and only observed between jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/menta2k/image-captioner/internal/logging"
	"github.com/menta2k/image-captioner/internal/metrics"
	"github.com/menta2k/image-captioner/internal/utils"
	"github.com/menta2k/image-captioner/pkg/describe"
	"github.com/menta2k/image-captioner/pkg/progress"
	"github.com/menta2k/image-captioner/pkg/prompt"
	"github.com/menta2k/image-captioner/pkg/stager"
	"github.com/menta2k/image-captioner/pkg/types"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrAlreadyRunning = errors.New("a batch run is already in progress")
	ErrNoImagesFound  = stager.ErrNoImagesFound
	ErrForcedShutdown = errors.New("worker did not stop within the grace period")
)

// Dispatcher is the channel between the worker and the front end
type Dispatcher interface {
	PostResult(types.Result)
	PostProgress(types.Snapshot)
	PostDone(types.RunSummary)
	RequestCancel()
	CancelRequested() bool
	ResetCancel()
}

// Options wires a Pipeline's collaborators
type Options struct {
	Stager     stager.Stager
	Describer  describe.Service
	Prompts    prompt.Store
	Dispatcher Dispatcher
	Logger     *zerolog.Logger

	// Backend and Model label metrics only
	Backend string
	Model   string

	// Now is the clock used for job durations; defaults to time.Now
	Now func() time.Time
}

// Request starts one run
type Request struct {
	Folder      string
	TriggerWord string
	// Prompt overrides the stored prompt when non-empty
	Prompt string
}

// Pipeline accepts at most one running batch at a time
type Pipeline struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	state   types.RunState
	runID   string
	done    chan struct{}
	last    types.RunSummary
	abort   context.CancelFunc
	stopCtx func() bool
	tracker *progress.Tracker

	prompt atomic.Pointer[string]
}

// New creates an idle Pipeline
func New(opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewMemStore("")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Pipeline{
		opts:    opts,
		log:     log.With().Str("component", "pipeline").Logger(),
		state:   types.StateIdle,
		tracker: progress.NewTracker("", 0),
	}
}

// run is the worker-owned state of one BatchRun
type run struct {
	id          string
	folder      string
	triggerWord string
	jobs        []types.ImageJob
	tracker     *progress.Tracker
	failures    []types.JobFailure
	started     time.Time
	log         zerolog.Logger
}

// Start validates the request, enumerates the folder and launches the
// worker. Errors are returned synchronously and leave the pipeline untouched.
func (p *Pipeline) Start(ctx context.Context, req Request) (string, error) {
	folder := strings.TrimSpace(req.Folder)
	if folder == "" {
		return "", fmt.Errorf("%w: folder path is empty", ErrInvalidInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == types.StateRunning {
		return "", fmt.Errorf("%w (run %s)", ErrAlreadyRunning, p.runID)
	}

	if !utils.DirExists(folder) {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidInput, folder)
	}

	trace := logging.TraceDuration(p.log, "enumerate")
	jobs, err := p.opts.Stager.Enumerate(folder)
	trace()
	if err != nil {
		return "", err
	}

	text := req.Prompt
	if strings.TrimSpace(text) == "" {
		text = p.opts.Prompts.Load()
	}
	p.prompt.Store(&text)

	id := uuid.NewString()
	p.tracker.Reset(id, len(jobs))
	r := &run{
		id:          id,
		folder:      folder,
		triggerWord: strings.TrimSpace(req.TriggerWord),
		jobs:        jobs,
		tracker:     p.tracker,
		started:     p.opts.Now(),
		log:         p.log.With().Str("run_id", id).Logger(),
	}

	// The worker's context only ends on forced shutdown; a cancelled ctx
	// is turned into a between-jobs cancel request instead.
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.abort = abort
	p.opts.Dispatcher.ResetCancel()
	p.stopCtx = context.AfterFunc(ctx, p.Cancel)

	p.state = types.StateRunning
	p.runID = id
	p.done = make(chan struct{})
	done := p.done

	metrics.RunStarted()
	r.log.Info().
		Str("folder", folder).
		Int("images", len(jobs)).
		Str("trigger_word", r.triggerWord).
		Msg("batch started")

	go p.work(workCtx, r, done)
	return id, nil
}

func (p *Pipeline) work(ctx context.Context, r *run, done chan struct{}) {
	final := types.StateCompleted
	total := len(r.jobs)

	for i, job := range r.jobs {
		res := p.processJob(ctx, r, i, job)
		metrics.JobFinished(string(res.Step))

		var snap types.Snapshot
		if res.OK() {
			snap = r.tracker.Record(res.Duration)
			r.log.Info().
				Str("file", job.FileName()).
				Dur("duration", res.Duration).
				Msgf("[%d/%d] staged", i+1, total)
		} else {
			snap = r.tracker.RecordFailure(res.Duration)
			r.failures = append(r.failures, types.JobFailure{
				File:  job.FileName(),
				Step:  res.Step,
				Error: res.Err.Error(),
			})
			r.log.Error().
				Err(res.Err).
				Str("file", job.FileName()).
				Str("step", string(res.Step)).
				Msgf("[%d/%d] job failed", i+1, total)
		}
		p.opts.Dispatcher.PostProgress(snap)

		// The in-flight job always finishes; a cancel takes effect here,
		// including after the last job.
		if p.opts.Dispatcher.CancelRequested() || ctx.Err() != nil {
			final = types.StateCancelled
			r.log.Warn().Int("remaining", total-i-1).Msg("cancelled")
			break
		}
	}

	p.finish(r, final, done)
}

// processJob runs the per-image sequence. It returns at the first failing
// step; nothing is staged for a job whose description failed.
func (p *Pipeline) processJob(ctx context.Context, r *run, index int, job types.ImageJob) types.JobResult {
	start := p.opts.Now()
	res := types.JobResult{Job: job}
	elapsed := func() time.Duration { return p.opts.Now().Sub(start) }

	r.log.Debug().Str("file", job.FileName()).Msgf("[%d/%d] analyzing", index+1, len(r.jobs))

	text := p.currentPrompt()
	callStart := time.Now()
	description, err := p.opts.Describer.Describe(ctx, job.SourcePath, text)
	metrics.ObserveDescribe(p.opts.Backend, p.opts.Model, time.Since(callStart), err == nil)
	if err != nil {
		res.Step, res.Err, res.Duration = types.StepDescribe, err, elapsed()
		return res
	}

	description = ApplyTriggerWord(r.triggerWord, description)
	res.Description = description

	if err := p.opts.Prompts.Save(text); err != nil {
		r.log.Warn().Err(err).Msg("could not save prompt")
	}

	p.opts.Dispatcher.PostResult(types.Result{
		RunID:       r.id,
		Index:       index,
		Job:         job,
		Description: description,
	})

	if err := p.opts.Stager.WriteSidecar(job, description); err != nil {
		res.Step, res.Err, res.Duration = types.StepSidecar, err, elapsed()
		return res
	}

	if err := p.opts.Stager.Stage(job); err != nil {
		res.Step, res.Err, res.Duration = types.StepStage, err, elapsed()
		return res
	}

	res.Step, res.Duration = types.StepDone, elapsed()
	return res
}

func (p *Pipeline) finish(r *run, final types.RunState, done chan struct{}) {
	snap := r.tracker.Snapshot()
	summary := types.RunSummary{
		RunID:     r.id,
		Folder:    r.folder,
		State:     final,
		Total:     len(r.jobs),
		Completed: snap.Completed,
		Succeeded: snap.Succeeded,
		Failed:    snap.Failed,
		Elapsed:   p.opts.Now().Sub(r.started),
		Failures:  r.failures,
	}

	p.mu.Lock()
	p.state = types.StateIdle
	p.last = summary
	if p.stopCtx != nil {
		p.stopCtx()
		p.stopCtx = nil
	}
	if p.abort != nil {
		p.abort()
		p.abort = nil
	}
	p.mu.Unlock()

	metrics.RunFinished(string(final))
	r.log.Info().
		Str("state", string(final)).
		Int("completed", summary.Completed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("batch finished")

	p.opts.Dispatcher.PostDone(summary)
	close(done)
}

// ApplyTriggerWord prefixes description with "<word>, " when word is set
func ApplyTriggerWord(word, description string) string {
	if word == "" {
		return description
	}
	return word + ", " + description
}

// SetPrompt replaces the prompt used from the next job on
func (p *Pipeline) SetPrompt(text string) {
	p.prompt.Store(&text)
}

func (p *Pipeline) currentPrompt() string {
	if v := p.prompt.Load(); v != nil {
		return *v
	}
	return p.opts.Prompts.Load()
}

// Cancel asks the running batch to stop before its next job
func (p *Pipeline) Cancel() {
	p.opts.Dispatcher.RequestCancel()
}

// State reports whether a run is in progress
func (p *Pipeline) State() types.RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastSummary returns the summary of the most recently finished run
func (p *Pipeline) LastSummary() types.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Wait blocks until the current run finishes or ctx is done. With no run
// in progress it returns the last summary immediately.
func (p *Pipeline) Wait(ctx context.Context) (types.RunSummary, error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return p.LastSummary(), nil
	}
	select {
	case <-done:
		return p.LastSummary(), nil
	case <-ctx.Done():
		return types.RunSummary{}, ctx.Err()
	}
}

// Shutdown requests cancellation and waits for the worker until ctx ends.
// If the grace period runs out, the in-flight model call is aborted and
// ErrForcedShutdown is returned without waiting further.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	done, abort := p.done, p.abort
	running := p.state == types.StateRunning
	p.mu.Unlock()

	if !running {
		return nil
	}

	p.Cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		return ErrForcedShutdown
	}
}
