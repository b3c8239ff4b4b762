// Package importer promotes reviewed staged users into the committed user
// store.
//
// Every id in a batch is imported independently: one failure never blocks
// the others. Work runs on a bounded pool and writes that target the same
// identity key are serialised.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/isometry/adsync/internal/metrics"
	"github.com/isometry/adsync/internal/staging"
)

var (
	ErrRejected = errors.New("staged user was rejected")
	ErrStale    = errors.New("staged user changed during import")
)

// Action is what an import did to the committed store.
type Action string

const (
	ActionCreated     Action = "created"
	ActionUpdated     Action = "updated"
	ActionDeactivated Action = "deactivated"
	// ActionDismissed removes a DISABLED record without touching the
	// committed user, because deactivation is turned off.
	ActionDismissed Action = "dismissed"
	ActionNone      Action = "none"
)

// Result is the outcome for one staged id.
type Result struct {
	ID          uuid.UUID `json:"id"`
	IdentityKey string    `json:"identityKey,omitempty"`
	Action      Action    `json:"action"`
	Err         error     `json:"-"`
}

// Config configures an Importer.
type Config struct {
	Staging staging.Store
	Users   UserStore

	// Workers bounds concurrent imports. Zero means DefaultWorkers.
	Workers int
	// Limiter, when set, paces writes to the committed store.
	Limiter *rate.Limiter
	// RetainImported keeps imported records in staging as EXISTING instead
	// of deleting them.
	RetainImported bool
}

// DefaultWorkers is the import concurrency used when Config.Workers is zero.
const DefaultWorkers = 4

// Options apply to a single Import call.
type Options struct {
	Actor string
	// DeactivateRemoved deactivates committed users for DISABLED records.
	DeactivateRemoved bool
}

// Importer imports staged users.
type Importer struct {
	cfg   Config
	locks keyLocks
	now   func() time.Time
}

// New returns an Importer.
func New(cfg Config) *Importer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Importer{
		cfg:   cfg,
		locks: keyLocks{locks: make(map[string]*keyLock)},
		now:   time.Now,
	}
}

// Import imports ids and returns one Result per id, in input order.
func (im *Importer) Import(ctx context.Context, opts Options, ids ...uuid.UUID) []Result {
	results := make([]Result, len(ids))

	var g errgroup.Group
	g.SetLimit(im.cfg.Workers)

	for i, id := range ids {
		g.Go(func() error {
			start := time.Now()
			results[i] = im.importOne(ctx, opts, id)

			outcome := "ok"
			if results[i].Err != nil {
				outcome = "error"
			}
			metrics.ImportsTotal.WithLabelValues(string(results[i].Action), outcome).Inc()
			metrics.ImportDuration.Observe(time.Since(start).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	tflog.SubsystemInfo(ctx, "import", "Import finished", map[string]any{
		"requested": len(ids),
		"failed":    failed,
		"actor":     opts.Actor,
	})
	return results
}

func (im *Importer) importOne(ctx context.Context, opts Options, id uuid.UUID) Result {
	res := Result{ID: id, Action: ActionNone}

	u, err := im.cfg.Staging.Get(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("load staged user %s: %w", id, err)
		return res
	}
	res.IdentityKey = u.IdentityKey

	unlock := im.locks.lock(u.IdentityKey)
	defer unlock()

	// Re-read under the key lock so a concurrent import of the same key
	// sees the first one's result.
	current, err := im.cfg.Staging.Get(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("load staged user %s: %w", id, err)
		return res
	}
	if current.IdentityKey != u.IdentityKey {
		res.Err = ErrStale
		return res
	}
	u = current

	if err := im.wait(ctx); err != nil {
		res.Err = err
		return res
	}

	switch u.Status {
	case staging.StatusRejected:
		res.Err = ErrRejected
		return res

	case staging.StatusDisabled:
		res.Action = ActionDismissed
		if opts.DeactivateRemoved {
			err := im.cfg.Users.Deactivate(ctx, u.IdentityKey)
			switch {
			case err == nil:
				res.Action = ActionDeactivated
			case errors.Is(err, ErrUserNotFound):
			default:
				res.Err = fmt.Errorf("deactivate %s: %w", u.IdentityKey, err)
				return res
			}
		}
		if err := im.cfg.Staging.Delete(ctx, u.ID); err != nil {
			res.Err = fmt.Errorf("remove staged user %s: %w", u.IdentityKey, err)
		}

	default:
		created, err := im.cfg.Users.Upsert(ctx, FromStaged(u))
		if err != nil {
			res.Err = fmt.Errorf("write %s: %w", u.IdentityKey, err)
			return res
		}
		res.Action = ActionUpdated
		if created {
			res.Action = ActionCreated
		}
		if err := im.settle(ctx, opts, u); err != nil {
			res.Err = err
		}
	}

	fields := map[string]any{
		"identity_key": u.IdentityKey,
		"action":       string(res.Action),
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	tflog.SubsystemDebug(ctx, "import", "Imported staged user", fields)
	return res
}

// settle removes or retains the staged record after a successful write.
func (im *Importer) settle(ctx context.Context, opts Options, u staging.User) error {
	if !im.cfg.RetainImported {
		if err := im.cfg.Staging.Delete(ctx, u.ID); err != nil {
			return fmt.Errorf("remove staged user %s: %w", u.IdentityKey, err)
		}
		return nil
	}

	now := im.now()
	u.Status = staging.StatusExisting
	u.Selected = false
	u.ReviewedAt = &now
	u.UpdatedAt = now
	u.UpdatedBy = opts.Actor
	if err := im.cfg.Staging.Upsert(ctx, u); err != nil {
		return fmt.Errorf("retain staged user %s: %w", u.IdentityKey, err)
	}
	return nil
}

func (im *Importer) wait(ctx context.Context) error {
	if im.cfg.Limiter == nil {
		return ctx.Err()
	}
	if err := im.cfg.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// keyLocks hands out one mutex per identity key, dropping it once unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
