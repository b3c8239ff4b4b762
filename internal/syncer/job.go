package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isometry/adsync/internal/history"
)

// Status is the state of a sync job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Request describes the run to start.
type Request struct {
	Trigger history.Trigger
	// Full fetches the whole directory and detects removed users. Otherwise
	// only entries changed since Since are fetched.
	Full  bool
	Since time.Time
	Actor string
}

// Progress counts the work done so far.
type Progress struct {
	Pages     int `json:"pages"`
	Fetched   int `json:"fetched"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Existing  int `json:"existing"`
	Disabled  int `json:"disabled"`
	Skipped   int `json:"skipped"`
	Anomalies int `json:"anomalies"`
	// Applied counts users written straight to the committed store.
	Applied int `json:"applied"`
}

// Job is one sync run. Its history entry shares its ID.
type Job struct {
	ID        uuid.UUID
	Request   Request
	StartedAt time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	progress   Progress
	err        error
	finishedAt time.Time
}

func newJob(id uuid.UUID, req Request, started time.Time, cancel context.CancelCauseFunc) *Job {
	return &Job{
		ID:        id,
		Request:   req,
		StartedAt: started,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
	}
}

// Cancel asks the job to stop at the next page boundary.
func (j *Job) Cancel() {
	j.cancel(context.Canceled)
}

// Done is closed when the job has finished and released its lease.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends, and returns the job's
// final status and error.
func (j *Job) Wait(ctx context.Context) (Status, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.status, j.err
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err returns the failure of a FAILED job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
}

func (j *Job) update(fn func(p *Progress)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.progress)
}

func (j *Job) finish(s Status, err error, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	j.err = err
	j.finishedAt = at
}

// Info is a point-in-time view of a job.
type Info struct {
	ID         uuid.UUID       `json:"id"`
	Trigger    history.Trigger `json:"trigger"`
	Full       bool            `json:"full"`
	Status     Status          `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Progress   Progress        `json:"progress"`
	Error      string          `json:"error,omitempty"`
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := Info{
		ID:        j.ID,
		Trigger:   j.Request.Trigger,
		Full:      j.Request.Full,
		Status:    j.status,
		StartedAt: j.StartedAt,
		Progress:  j.progress,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		info.FinishedAt = &t
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}
