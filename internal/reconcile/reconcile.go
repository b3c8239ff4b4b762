// Package reconcile classifies fetched directory users against staged and
// committed state.
//
// A Session is fed one page of candidates at a time and returns the staged
// records to upsert for that page; Finalize then emits DISABLED records for
// every key the run did not see. Sessions do no I/O: persistence belongs to
// the caller. Long runs call Refresh with the current stored state of a
// page's keys before applying it, so that records reviewed, rejected or
// imported since the run started are classified against what is stored now.
package reconcile

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/staging"
)

// Candidate is a mapped and resolved directory user.
type Candidate struct {
	IdentityKey string
	DN          string
	Fields      mapping.Fields
	Groups      []string
	Roles       []string
}

// Fingerprint returns the candidate's content fingerprint.
func (c Candidate) Fingerprint() string {
	return Fingerprint(c.Fields, c.Groups, c.Roles)
}

// Committed is a user in the committed store, as seen by the reconciler.
type Committed struct {
	IdentityKey string
	DN          string
	Fields      mapping.Fields
	Groups      []string
	Roles       []string
	Fingerprint string
	Active      bool
}

// Snapshot is the state a run reconciles against.
type Snapshot struct {
	// Staged holds every staged record, REJECTED included.
	Staged    []staging.User
	Committed []Committed
}

// Counts summarises a reconciliation.
type Counts struct {
	Fetched   int `json:"fetched"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Existing  int `json:"existing"`
	Disabled  int `json:"disabled"`
	Skipped   int `json:"skipped"`
	Anomalies int `json:"anomalies"`
}

func (c *Counts) add(s staging.Status, delta int) {
	switch s {
	case staging.StatusNew:
		c.Created += delta
	case staging.StatusUpdated:
		c.Updated += delta
	case staging.StatusExisting:
		c.Existing += delta
	case staging.StatusDisabled:
		c.Disabled += delta
	}
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithActor sets the CreatedBy/UpdatedBy value of records the session writes.
func WithActor(actor string) Option {
	return func(s *Session) { s.actor = actor }
}

// Session reconciles one run. It is not safe for concurrent use.
type Session struct {
	now   func() time.Time
	actor string

	prior     map[string]staging.User // non-REJECTED staged records before the run
	rejected  map[string]struct{}
	committed map[string]Committed

	current   map[string]staging.User // records written during the run
	assigned  map[string]staging.Status
	counts    Counts
	finalized bool
}

// NewSession indexes snap for a new run.
func NewSession(snap Snapshot, opts ...Option) *Session {
	s := &Session{
		now:       time.Now,
		actor:     "sync",
		prior:     make(map[string]staging.User, len(snap.Staged)),
		rejected:  make(map[string]struct{}),
		committed: make(map[string]Committed, len(snap.Committed)),
		current:   make(map[string]staging.User),
		assigned:  make(map[string]staging.Status),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, u := range snap.Staged {
		if u.Status == staging.StatusRejected {
			s.rejected[u.IdentityKey] = struct{}{}
			continue
		}
		s.prior[u.IdentityKey] = u.Clone()
	}
	for _, c := range snap.Committed {
		s.committed[c.IdentityKey] = c
	}
	return s
}

// Refresh replaces what the session knows about keys with staged and
// committed, which must hold every stored record for those keys (REJECTED
// included). Records the run wrote earlier are replaced too.
func (s *Session) Refresh(keys []string, staged []staging.User, committed []Committed) {
	for _, key := range keys {
		delete(s.prior, key)
		delete(s.rejected, key)
		delete(s.committed, key)
		delete(s.current, key)
	}

	want := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		want[key] = struct{}{}
	}
	for _, u := range staged {
		if _, ok := want[u.IdentityKey]; !ok {
			continue
		}
		if u.Status == staging.StatusRejected {
			s.rejected[u.IdentityKey] = struct{}{}
			continue
		}
		s.prior[u.IdentityKey] = u.Clone()
		if _, seen := s.assigned[u.IdentityKey]; seen {
			s.current[u.IdentityKey] = u.Clone()
		}
	}
	for _, c := range committed {
		if _, ok := want[c.IdentityKey]; ok {
			s.committed[c.IdentityKey] = c
		}
	}
}

// Unseen returns, sorted, the keys Finalize would consider: every known key
// the run has not assigned.
func (s *Session) Unseen() []string {
	keys := make(map[string]struct{})
	for key := range s.prior {
		keys[key] = struct{}{}
	}
	for key := range s.committed {
		keys[key] = struct{}{}
	}
	for key := range s.assigned {
		delete(keys, key)
	}
	return slices.Sorted(maps.Keys(keys))
}

// Apply classifies one page of candidates and returns the records to upsert.
// A key repeated within the run is an anomaly; the later candidate wins.
func (s *Session) Apply(ctx context.Context, page []Candidate) []staging.User {
	out := make([]staging.User, 0, len(page))
	for _, c := range page {
		s.counts.Fetched++

		if _, ok := s.rejected[c.IdentityKey]; ok {
			s.counts.Skipped++
			tflog.SubsystemTrace(ctx, "sync", "Skipping rejected identity key", map[string]any{
				"identity_key": c.IdentityKey,
			})
			continue
		}

		if prev, seen := s.assigned[c.IdentityKey]; seen {
			s.counts.Anomalies++
			s.counts.add(prev, -1)
			tflog.SubsystemWarn(ctx, "sync", "Duplicate identity key in fetch, last entry wins", map[string]any{
				"identity_key": c.IdentityKey,
				"dn":           c.DN,
				"previous_dn":  s.current[c.IdentityKey].DN,
			})
		}

		u := s.classify(c)
		s.current[c.IdentityKey] = u
		s.assigned[c.IdentityKey] = u.Status
		s.counts.add(u.Status, 1)
		out = append(out, u.Clone())
	}
	return out
}

func (s *Session) classify(c Candidate) staging.User {
	fp := c.Fingerprint()
	prior, staged := s.prior[c.IdentityKey]
	committed, isCommitted := s.committed[c.IdentityKey]

	var status staging.Status
	switch {
	case isCommitted:
		status = staging.StatusExisting
		// A deactivated user back in the directory needs reactivating.
		if fp != committed.Fingerprint || !committed.Active {
			status = staging.StatusUpdated
		}

	case !staged:
		status = staging.StatusNew

	case prior.Status == staging.StatusNew:
		status = staging.StatusNew
		if fp != prior.Fingerprint && prior.ReviewedAt != nil {
			status = staging.StatusUpdated
		}

	case prior.Status == staging.StatusUpdated:
		status = staging.StatusUpdated

	default:
		// EXISTING or DISABLED without a committed user: the key was seen
		// before, so it never counts as new again.
		status = staging.StatusExisting
		if fp != prior.Fingerprint {
			status = staging.StatusUpdated
		}
	}

	return s.record(c.IdentityKey, c.DN, c.Fields, c.Groups, c.Roles, fp, status)
}

// record builds the staged record for key, reusing the identity of any record
// already staged for it.
func (s *Session) record(key, dn string, fields mapping.Fields, groups, roles []string, fp string, status staging.Status) staging.User {
	now := s.now()

	base, ok := s.current[key]
	if !ok {
		base, ok = s.prior[key]
	}
	if !ok {
		base = staging.User{
			ID:        uuid.New(),
			CreatedAt: now,
			CreatedBy: s.actor,
		}
	}

	u := base.Clone()
	u.IdentityKey = key
	u.DN = dn
	u.Fields = fields.Clone()
	u.Groups = sortedSet(groups)
	u.Roles = sortedSet(roles)
	u.Status = status
	u.UpdatedAt = now
	u.UpdatedBy = s.actor

	// A selection made against different content or status is stale.
	if ok && (base.Fingerprint != fp || base.Status != status) {
		u.Selected = false
	}
	u.Fingerprint = fp
	return u
}

// Finalize marks every previously known key that this run did not see as
// DISABLED and returns those records. Only the first call does any work.
//
// Callers must skip Finalize for runs that did not fetch the full directory.
func (s *Session) Finalize(ctx context.Context) []staging.User {
	if s.finalized {
		return nil
	}
	s.finalized = true

	var out []staging.User
	disable := func(u staging.User) {
		s.current[u.IdentityKey] = u
		s.assigned[u.IdentityKey] = staging.StatusDisabled
		s.counts.Disabled++
		out = append(out, u.Clone())
	}

	for key, prior := range s.prior {
		if _, seen := s.assigned[key]; seen {
			continue
		}
		disable(s.record(key, prior.DN, prior.Fields, prior.Groups, prior.Roles, prior.Fingerprint, staging.StatusDisabled))
	}

	for key, c := range s.committed {
		if _, seen := s.assigned[key]; seen || !c.Active {
			continue
		}
		if _, ok := s.rejected[key]; ok {
			continue
		}
		disable(s.record(key, c.DN, c.Fields, c.Groups, c.Roles, c.Fingerprint, staging.StatusDisabled))
	}

	if len(out) > 0 {
		tflog.SubsystemInfo(ctx, "sync", "Marked users absent from directory as disabled", map[string]any{
			"count": len(out),
		})
	}
	return out
}

// Counts returns the running totals.
func (s *Session) Counts() Counts {
	return s.counts
}

// Result is the outcome of a one-shot reconciliation.
type Result struct {
	Users  []staging.User
	Counts Counts
}

// Reconcile classifies a complete fetch in one call, including DISABLED
// detection. Each staged record appears once in the result.
func Reconcile(ctx context.Context, snap Snapshot, candidates []Candidate, opts ...Option) Result {
	s := NewSession(snap, opts...)

	var (
		users []staging.User
		index = make(map[uuid.UUID]int)
	)
	collect := func(batch []staging.User) {
		for _, u := range batch {
			if i, ok := index[u.ID]; ok {
				users[i] = u
				continue
			}
			index[u.ID] = len(users)
			users = append(users, u)
		}
	}

	collect(s.Apply(ctx, candidates))
	collect(s.Finalize(ctx))

	return Result{Users: users, Counts: s.Counts()}
}
