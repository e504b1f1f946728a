package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/menta2k/card-extractor/pkg/types"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type EventType string

const (
	EventStageStarted  EventType = "stage_started"
	EventStageComplete EventType = "stage_complete"
	EventStageError    EventType = "stage_error"
	EventJobComplete   EventType = "job_complete"
	EventJobCancelled  EventType = "job_cancelled"
)

// Event is one entry of a job's event stream. Stage and Index are set for
// stage events, Err for EventStageError and Result for EventJobComplete.
type Event struct {
	Type     EventType
	JobID    string
	Stage    StageName
	Index    int
	Progress float64
	Err      error
	Result   *Result
}

// JobMetadata describes the published output of a job
type JobMetadata struct {
	OriginalName string         `json:"original_name"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	MimeType     string         `json:"mime_type"`
	SizeBytes    int            `json:"size_bytes"`
	Regions      []types.Region `json:"regions,omitempty"`
	Stages       []StageName    `json:"stages"`
	Duration     time.Duration  `json:"duration"`
}

type Result struct {
	ProcessedAssetURL string      `json:"processed_asset_url"`
	ThumbnailURL      string      `json:"thumbnail_url,omitempty"`
	Metadata          JobMetadata `json:"metadata"`
}

// Job is one run of the pipeline over an uploaded file. All accessors are
// safe to call while the job runs.
type Job struct {
	ID        string
	SourceRef string

	mu       sync.Mutex
	status   Status
	stages   []Stage
	progress float64
	last     *Artifact
	result   *Result
	err      error

	cancelRequested bool
	cancel          context.CancelFunc
	events          chan Event
	done            chan struct{}
}

func newJob(id, sourceRef string, names []StageName, preview *Artifact) *Job {
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Description: stageDescriptions[n], Status: StagePending}
	}
	return &Job{
		ID:        id,
		SourceRef: sourceRef,
		status:    StatusIdle,
		stages:    stages,
		last:      preview,
		// two events per stage plus the terminal one never block the runner
		events: make(chan Event, 2*len(names)+4),
		done:   make(chan struct{}),
	}
}

// Events streams the job's events and is closed after the terminal event
func (j *Job) Events() <-chan Event { return j.events }

// Done is closed when the job has reached a final status
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel stops the job. Finished stages keep their output; the running and
// pending ones become cancelled. Cancelling a finished job does nothing.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.cancelRequested = true
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Stages returns a snapshot of the stage list
func (j *Job) Stages() []Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Stage(nil), j.stages...)
}

// LastArtifact is the output of the last completed stage, or the decoded
// upload when none has completed
func (j *Job) LastArtifact() *Artifact {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Job) Result() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Err is the StageError of a failed job or ErrJobCancelled
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job finishes or ctx is done
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.Result(), j.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) isCancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

func (j *Job) emit(e Event) {
	e.JobID = j.ID
	j.events <- e
}

func (j *Job) setRunning(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusRunning
	j.cancel = cancel
}

func (j *Job) startStage(i int) {
	j.mu.Lock()
	j.stages[i].Status = StageProcessing
	ev := Event{Type: EventStageStarted, Stage: j.stages[i].Name, Index: i, Progress: j.progress}
	j.mu.Unlock()
	j.emit(ev)
}

func (j *Job) completeStage(i int, out *Artifact) {
	j.mu.Lock()
	j.stages[i].Status = StageComplete
	j.progress = float64(i+1) / float64(len(j.stages)) * 100
	j.last = out
	ev := Event{Type: EventStageComplete, Stage: j.stages[i].Name, Index: i, Progress: j.progress}
	j.mu.Unlock()
	j.emit(ev)
}

// failStage marks stage i failed and every later stage cancelled. i may be
// len(stages) for failures after the last stage.
func (j *Job) failStage(i int, name StageName, err error) *StageError {
	serr := &StageError{Stage: name, Err: err}

	j.mu.Lock()
	if i < len(j.stages) {
		j.stages[i].Status = StageFailed
		j.cancelFrom(i + 1)
	}
	j.status = StatusFailed
	j.err = serr
	ev := Event{Type: EventStageError, Stage: name, Index: i, Progress: j.progress, Err: serr}
	j.mu.Unlock()
	j.emit(ev)
	return serr
}

// finishCancelled marks stage i and everything after it cancelled
func (j *Job) finishCancelled(i int) {
	j.mu.Lock()
	j.cancelFrom(i)
	j.status = StatusCancelled
	j.err = ErrJobCancelled
	ev := Event{Type: EventJobCancelled, Index: i, Progress: j.progress}
	j.mu.Unlock()
	j.emit(ev)
}

func (j *Job) finishCompleted(res *Result) {
	j.mu.Lock()
	j.status = StatusCompleted
	j.progress = 100
	j.result = res
	ev := Event{Type: EventJobComplete, Index: len(j.stages), Progress: 100, Result: res}
	j.mu.Unlock()
	j.emit(ev)
}

func (j *Job) cancelFrom(i int) {
	for k := i; k < len(j.stages); k++ {
		j.stages[k].Status = StageCancelled
	}
}

func (j *Job) close() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(j.events)
	close(j.done)
}
