// Package lease provides the single-flight lease that guarantees at most one
// sync job runs at a time.
//
// The scheduler acquires a lease for both timed and manual runs and hands the
// held lease to the executor, which releases it when the run ends. A second
// acquisition while the lease is held fails immediately with ErrBusy.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned when the lease is already held.
var ErrBusy = errors.New("sync already running")

// Lease hands out exclusive handles.
type Lease interface {
	// Acquire takes the lease for holder without waiting.
	Acquire(ctx context.Context, holder string) (Handle, error)
}

// Handle is a held lease.
type Handle interface {
	Holder() string
	// Done is closed once the lease is released or lost.
	Done() <-chan struct{}
	// Release gives the lease up. Calling it more than once is a no-op.
	Release(ctx context.Context) error
}

func busy(holder string) error {
	if holder == "" {
		return ErrBusy
	}
	return fmt.Errorf("%w: held by %s", ErrBusy, holder)
}

// Local is an in-process Lease.
type Local struct {
	mu     sync.Mutex
	holder string
	held   bool
}

// NewLocal returns an unheld Local lease.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Acquire(_ context.Context, holder string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil, busy(l.holder)
	}
	l.held = true
	l.holder = holder

	return &localHandle{
		lease:  l,
		holder: holder,
		done:   make(chan struct{}),
	}, nil
}

// Holder reports the current holder, if any.
func (l *Local) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.held
}

type localHandle struct {
	lease  *Local
	holder string
	once   sync.Once
	done   chan struct{}
}

func (h *localHandle) Holder() string        { return h.holder }
func (h *localHandle) Done() <-chan struct{} { return h.done }

func (h *localHandle) Release(context.Context) error {
	h.once.Do(func() {
		h.lease.mu.Lock()
		h.lease.held = false
		h.lease.holder = ""
		h.lease.mu.Unlock()
		close(h.done)
	})
	return nil
}
