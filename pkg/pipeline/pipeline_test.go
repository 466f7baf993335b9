package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-captioner/pkg/dispatch"
	"github.com/menta2k/image-captioner/pkg/prompt"
	"github.com/menta2k/image-captioner/pkg/stager"
	"github.com/menta2k/image-captioner/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type call struct {
	file   string
	prompt string
}

type fakeDescriber struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, n int, file, prompt string) (string, error)
}

func (f *fakeDescriber) Describe(ctx context.Context, imagePath, prompt string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{file: filepath.Base(imagePath), prompt: prompt})
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(ctx, n, filepath.Base(imagePath), prompt)
}

func (f *fakeDescriber) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// brokenStager refuses to stage one file and behaves normally otherwise
type brokenStager struct {
	*stager.FileStager
	file string
}

func (b brokenStager) Stage(job types.ImageJob) error {
	if job.FileName() == b.file {
		return fmt.Errorf("%w: disk full", stager.ErrStageFailed)
	}
	return b.FileStager.Stage(job)
}

type recorder struct {
	results  []types.Result
	progress []types.Snapshot
	done     []types.RunSummary
}

func (r *recorder) OnResult(v types.Result)     { r.results = append(r.results, v) }
func (r *recorder) OnProgress(v types.Snapshot) { r.progress = append(r.progress, v) }
func (r *recorder) OnDone(v types.RunSummary)   { r.done = append(r.done, v) }

type harness struct {
	p       *Pipeline
	disp    *dispatch.Dispatcher
	prompts *prompt.MemStore
	desc    *fakeDescriber
	clock   *fakeClock
}

func newHarness(fn func(ctx context.Context, n int, file, prompt string) (string, error)) *harness {
	return newHarnessWithStager(stager.New(), fn)
}

func newHarnessWithStager(st stager.Stager, fn func(ctx context.Context, n int, file, prompt string) (string, error)) *harness {
	h := &harness{
		disp:    dispatch.New(),
		prompts: prompt.NewMemStore("stored prompt"),
		desc:    &fakeDescriber{fn: fn},
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.p = New(Options{
		Stager:     st,
		Describer:  h.desc,
		Prompts:    h.prompts,
		Dispatcher: h.disp,
		Backend:    "fake",
		Model:      "test",
		Now:        h.clock.Now,
	})
	return h
}

func (h *harness) events() *recorder {
	r := &recorder{}
	h.disp.Drain(r)
	return r
}

func writeImages(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("img"), 0o644))
	}
	return dir
}

func wait(t *testing.T, p *Pipeline) types.RunSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.Wait(ctx)
	require.NoError(t, err)
	return s
}

func TestRun_DescribesAndStagesSuccessfulJobs(t *testing.T) {
	var h *harness
	h = newHarness(func(_ context.Context, _ int, file, _ string) (string, error) {
		h.clock.Advance(3 * time.Second)
		if file == "b.png" {
			return "", errors.New("model unavailable")
		}
		return "a cat", nil
	})
	dir := writeImages(t, "a.jpg", "b.png")

	runID, err := h.p.Start(context.Background(), Request{Folder: dir, TriggerWord: "sks"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	summary := wait(t, h.p)
	assert.Equal(t, types.StateCompleted, summary.State)
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "b.png", summary.Failures[0].File)
	assert.Equal(t, types.StepDescribe, summary.Failures[0].Step)
	assert.Equal(t, types.StateIdle, h.p.State())

	processed := filepath.Join(dir, stager.ProcessedDirName)
	assert.FileExists(t, filepath.Join(processed, "a.jpg"))
	data, err := os.ReadFile(filepath.Join(processed, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "sks, a cat", string(data))

	assert.NoFileExists(t, filepath.Join(dir, "a.jpg"))
	assert.NoFileExists(t, filepath.Join(dir, "a.txt"))
	assert.FileExists(t, filepath.Join(dir, "b.png"))
	assert.NoFileExists(t, filepath.Join(dir, "b.txt"))
	assert.NoFileExists(t, filepath.Join(processed, "b.png"))

	ev := h.events()
	require.Len(t, ev.results, 1)
	assert.Equal(t, "a.jpg", ev.results[0].Job.FileName())
	assert.Equal(t, "sks, a cat", ev.results[0].Description)
	assert.Equal(t, runID, ev.results[0].RunID)

	require.Len(t, ev.progress, 2)
	last := ev.progress[1]
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, 3*time.Second, last.AverageDuration)
	assert.Equal(t, time.Duration(0), last.EstimatedRemaining)

	require.Len(t, ev.done, 1)
	assert.Equal(t, types.StateCompleted, ev.done[0].State)

	assert.Equal(t, 1, h.prompts.Saves())
}

func TestRun_NoTriggerWordKeepsDescription(t *testing.T) {
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		return "  a dog on grass", nil
	})
	dir := writeImages(t, "dog.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	wait(t, h.p)

	data, err := os.ReadFile(filepath.Join(dir, stager.ProcessedDirName, "dog.txt"))
	require.NoError(t, err)
	assert.Equal(t, "  a dog on grass", string(data))
}

func TestRun_AttemptsEveryImageInOrder(t *testing.T) {
	h := newHarness(func(_ context.Context, n int, _, _ string) (string, error) {
		if n%2 == 0 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	dir := writeImages(t, "d.gif", "b.bmp", "a.jpg", "c.jpeg", "notes.txt")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	summary := wait(t, h.p)

	var files []string
	for _, c := range h.desc.Calls() {
		files = append(files, c.file)
	}
	assert.Equal(t, []string{"a.jpg", "b.bmp", "c.jpeg", "d.gif"}, files)
	assert.Equal(t, 4, summary.Completed)
	assert.Equal(t, 2, summary.Succeeded)

	ev := h.events()
	require.Len(t, ev.progress, 4)
	for i, s := range ev.progress {
		assert.Equal(t, i+1, s.Completed)
	}
}

func TestRun_CancelStopsBeforeNextJob(t *testing.T) {
	var h *harness
	h = newHarness(func(_ context.Context, n int, _, _ string) (string, error) {
		if n == 1 {
			h.p.Cancel()
		}
		return "desc", nil
	})
	dir := writeImages(t, "1.png", "2.png", "3.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	summary := wait(t, h.p)

	assert.Equal(t, types.StateCancelled, summary.State)
	assert.Equal(t, 1, summary.Completed)
	assert.Len(t, h.desc.Calls(), 1)

	// the in-flight job still finishes and is staged
	assert.FileExists(t, filepath.Join(dir, stager.ProcessedDirName, "1.png"))
	assert.FileExists(t, filepath.Join(dir, stager.ProcessedDirName, "1.txt"))
	assert.FileExists(t, filepath.Join(dir, "2.png"))
	assert.FileExists(t, filepath.Join(dir, "3.png"))

	ev := h.events()
	require.Len(t, ev.done, 1)
	assert.Equal(t, types.StateCancelled, ev.done[0].State)
}

func TestRun_CancelDuringFinalJobStillStages(t *testing.T) {
	var h *harness
	h = newHarness(func(context.Context, int, string, string) (string, error) {
		h.p.Cancel()
		return "desc", nil
	})
	dir := writeImages(t, "only.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	summary := wait(t, h.p)

	assert.Equal(t, types.StateCancelled, summary.State)
	assert.Equal(t, 1, summary.Succeeded)
	assert.FileExists(t, filepath.Join(dir, stager.ProcessedDirName, "only.png"))
	assert.FileExists(t, filepath.Join(dir, stager.ProcessedDirName, "only.txt"))
}

func TestRun_ParentContextCancelIsCooperative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var h *harness
	h = newHarness(func(jobCtx context.Context, n int, _, _ string) (string, error) {
		if n == 1 {
			cancel()
			assert.Eventually(t, h.disp.CancelRequested, time.Second, time.Millisecond)
			assert.NoError(t, jobCtx.Err())
		}
		return "desc", nil
	})
	dir := writeImages(t, "1.png", "2.png")

	_, err := h.p.Start(ctx, Request{Folder: dir})
	require.NoError(t, err)
	summary := wait(t, h.p)

	assert.Equal(t, types.StateCancelled, summary.State)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestStart_RejectsSecondRun(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		<-release
		return "desc", nil
	})
	dir := writeImages(t, "a.png")
	other := writeImages(t, "b.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, h.p.State())

	_, err = h.p.Start(context.Background(), Request{Folder: other})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	wait(t, h.p)
	assert.FileExists(t, filepath.Join(other, "b.png"))

	_, err = h.p.Start(context.Background(), Request{Folder: other})
	require.NoError(t, err)
	wait(t, h.p)
}

func TestStart_InvalidInput(t *testing.T) {
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		return "desc", nil
	})
	dir := writeImages(t, "a.png")

	tests := []struct {
		name   string
		folder string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"missing", filepath.Join(dir, "nope")},
		{"file", filepath.Join(dir, "a.png")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.Start(context.Background(), Request{Folder: tt.folder})
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, types.StateIdle, h.p.State())
		})
	}
	assert.Empty(t, h.desc.Calls())
}

func TestStart_NoImages(t *testing.T) {
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		return "desc", nil
	})
	dir := writeImages(t, "readme.md")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	assert.ErrorIs(t, err, ErrNoImagesFound)
	assert.Equal(t, types.StateIdle, h.p.State())
	assert.Zero(t, h.disp.Pending())
}

func TestRun_PromptSelectionAndLiveEdit(t *testing.T) {
	var h *harness
	h = newHarness(func(_ context.Context, n int, _, _ string) (string, error) {
		if n == 1 {
			h.p.SetPrompt("tags only")
		}
		return "desc", nil
	})
	dir := writeImages(t, "a.png", "b.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	wait(t, h.p)

	calls := h.desc.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "stored prompt", calls[0].prompt)
	assert.Equal(t, "tags only", calls[1].prompt)
	assert.Equal(t, "tags only", h.prompts.Load())
	assert.Equal(t, 2, h.prompts.Saves())
}

func TestRun_RequestPromptOverridesStore(t *testing.T) {
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		return "desc", nil
	})
	dir := writeImages(t, "a.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir, Prompt: "describe briefly"})
	require.NoError(t, err)
	wait(t, h.p)

	require.Len(t, h.desc.Calls(), 1)
	assert.Equal(t, "describe briefly", h.desc.Calls()[0].prompt)
	assert.Equal(t, "describe briefly", h.prompts.Load())
}

func TestRun_SidecarFailureSkipsStaging(t *testing.T) {
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		return "desc", nil
	})
	dir := writeImages(t, "a.png")
	// a directory where the sidecar should go makes the write fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a.txt"), 0o755))

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	summary := wait(t, h.p)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, types.StepSidecar, summary.Failures[0].Step)
	assert.FileExists(t, filepath.Join(dir, "a.png"))
	assert.NoFileExists(t, filepath.Join(dir, stager.ProcessedDirName, "a.png"))

	// the description was still published before the failure
	assert.Len(t, h.events().results, 1)
}

func TestRun_StageFailureContinuesWithNextJob(t *testing.T) {
	h := newHarnessWithStager(brokenStager{FileStager: stager.New(), file: "a.png"}, func(context.Context, int, string, string) (string, error) {
		return "desc", nil
	})
	dir := writeImages(t, "a.png", "b.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	summary := wait(t, h.p)

	assert.Equal(t, types.StateCompleted, summary.State)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Succeeded)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "a.png", summary.Failures[0].File)
	assert.Equal(t, types.StepStage, summary.Failures[0].Step)
	assert.Len(t, h.desc.Calls(), 2)

	// the failed job keeps its image and a stray sidecar in place
	assert.FileExists(t, filepath.Join(dir, "a.png"))
	assert.FileExists(t, filepath.Join(dir, "a.txt"))
	assert.FileExists(t, filepath.Join(dir, stager.ProcessedDirName, "b.png"))
	assert.FileExists(t, filepath.Join(dir, stager.ProcessedDirName, "b.txt"))

	ev := h.events()
	assert.Len(t, ev.results, 2)
	require.Len(t, ev.progress, 2)
	assert.Equal(t, 1, ev.progress[1].Succeeded)
}

func TestShutdown_AbortsStuckJobAfterGrace(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(func(ctx context.Context, n int, _, _ string) (string, error) {
		if n == 1 {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	dir := writeImages(t, "a.png", "b.png")

	_, err := h.p.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.p.Shutdown(ctx), ErrForcedShutdown)

	summary := wait(t, h.p)
	assert.Equal(t, types.StateCancelled, summary.State)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, h.desc.Calls(), 1)
	assert.FileExists(t, filepath.Join(dir, "a.png"))
}

func TestShutdown_Idle(t *testing.T) {
	h := newHarness(func(context.Context, int, string, string) (string, error) {
		return "desc", nil
	})
	assert.NoError(t, h.p.Shutdown(context.Background()))

	s, err := h.p.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.RunID)
}

func TestApplyTriggerWord(t *testing.T) {
	assert.Equal(t, "sks, a cat", ApplyTriggerWord("sks", "a cat"))
	assert.Equal(t, "a cat", ApplyTriggerWord("", "a cat"))
}
