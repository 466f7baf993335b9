package types

import (
	"path/filepath"
	"time"
)

// ImageJob is one image file queued for description
type ImageJob struct {
	SourcePath string `json:"source_path"`
	BaseName   string `json:"base_name"`
	FolderPath string `json:"folder_path"`
}

// FileName returns the image file name including its extension
func (j ImageJob) FileName() string {
	return j.BaseName + j.Ext()
}

// Ext returns the image extension including the leading dot
func (j ImageJob) Ext() string {
	return filepath.Ext(j.SourcePath)
}

// Snapshot is an immutable progress readout published after every job
type Snapshot struct {
	RunID              string        `json:"run_id"`
	Completed          int           `json:"completed"`
	Succeeded          int           `json:"succeeded"`
	Failed             int           `json:"failed"`
	Total              int           `json:"total"`
	LastDuration       time.Duration `json:"last_duration"`
	AverageDuration    time.Duration `json:"average_duration"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// Step identifies where in the per-job sequence a job stopped
type Step string

const (
	StepDescribe Step = "describe"
	StepSidecar  Step = "sidecar"
	StepStage    Step = "stage"
	StepDone     Step = "done"
)

// JobResult is the outcome of one job. Err is nil only when Step is StepDone.
type JobResult struct {
	Job         ImageJob      `json:"job"`
	Description string        `json:"description,omitempty"`
	Step        Step          `json:"step"`
	Err         error         `json:"-"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether the job was described and staged
func (r JobResult) OK() bool {
	return r.Err == nil && r.Step == StepDone
}

// Result is what the front end shows for a freshly described image
type Result struct {
	RunID       string   `json:"run_id"`
	Index       int      `json:"index"`
	Job         ImageJob `json:"job"`
	Description string   `json:"description"`
}

// RunState is the lifecycle state of the batch pipeline
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateCancelled RunState = "cancelled"
)

// JobFailure records a job that did not reach the processed folder
type JobFailure struct {
	File  string `json:"file"`
	Step  Step   `json:"step"`
	Error string `json:"error"`
}

// RunSummary is published once when a run stops iterating
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Folder    string        `json:"folder"`
	State     RunState      `json:"state"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
	Failures  []JobFailure  `json:"failures,omitempty"`
}
