// Package history records the outcome of every sync run.
//
// Entries are inserted IN_PROGRESS when a run starts and finalised exactly
// once when it ends; they are never otherwise changed.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a history entry.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerRetry     Trigger = "retry"
	TriggerStartup   Trigger = "startup"
)

var (
	ErrNotFound         = errors.New("history entry not found")
	ErrAlreadyFinalized = errors.New("history entry already finalized")
	ErrNotTerminal      = errors.New("history entry must be finalized with a terminal status")
)

// Counts are the reconciliation totals of a run.
type Counts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Existing  int `json:"existing"`
	Disabled  int `json:"disabled"`
	Anomalies int `json:"anomalies"`
}

// Entry is one run.
type Entry struct {
	ID           uuid.UUID     `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	Status       Status        `json:"status"`
	Trigger      Trigger       `json:"trigger"`
	Full         bool          `json:"full"`
	UsersFetched int           `json:"usersFetched"`
	Counts       Counts        `json:"counts"`
	Duration     time.Duration `json:"duration"`
	Details      string        `json:"details,omitempty"`
}

// Outcome is what a run reports when it finishes.
type Outcome struct {
	Status       Status
	UsersFetched int
	Counts       Counts
	Details      string
}

// Log stores history entries.
type Log interface {
	// Begin inserts a new IN_PROGRESS entry.
	Begin(ctx context.Context, trigger Trigger, full bool) (Entry, error)
	// Finalize completes an IN_PROGRESS entry. It fails with
	// ErrAlreadyFinalized for an entry that was already completed.
	Finalize(ctx context.Context, id uuid.UUID, out Outcome) (Entry, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	// List returns the newest entries first. A limit of zero returns all.
	List(ctx context.Context, limit int) ([]Entry, error)
	// LastSuccess returns the newest SUCCESS entry, only counting full runs
	// when fullOnly is set. It returns ErrNotFound when there is none.
	LastSuccess(ctx context.Context, fullOnly bool) (Entry, error)
	// Abandon finalises entries left IN_PROGRESS by a process that stopped
	// without completing them.
	Abandon(ctx context.Context, details string) (int, error)
}
