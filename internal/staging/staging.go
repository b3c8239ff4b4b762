// Package staging holds reconciled user records awaiting review.
package staging

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/isometry/adsync/internal/mapping"
)

// Status is the lifecycle state of a staged user.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusUpdated  Status = "UPDATED"
	StatusExisting Status = "EXISTING"
	StatusDisabled Status = "DISABLED"
	StatusRejected Status = "REJECTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusExisting, StatusDisabled, StatusRejected:
		return true
	}
	return false
}

var (
	ErrNotFound     = errors.New("staged user not found")
	ErrDuplicateKey = errors.New("identity key already staged")
)

// User is a staged directory user.
type User struct {
	ID          uuid.UUID `json:"id"`
	IdentityKey string    `json:"identityKey"`
	DN          string    `json:"dn"`
	mapping.Fields
	Groups      []string `json:"groups"`
	Roles       []string `json:"roles"`
	Fingerprint string   `json:"fingerprint"`
	Status      Status   `json:"status"`
	Selected    bool     `json:"selected"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	CreatedBy  string     `json:"createdBy"`
	UpdatedBy  string     `json:"updatedBy"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
}

// Clone returns a deep copy.
func (u User) Clone() User {
	out := u
	out.Fields = u.Fields.Clone()
	out.Groups = slices.Clone(u.Groups)
	out.Roles = slices.Clone(u.Roles)
	if u.ReviewedAt != nil {
		t := *u.ReviewedAt
		out.ReviewedAt = &t
	}
	return out
}

// Filter narrows List and SelectAll. Zero values match everything.
type Filter struct {
	Statuses    []Status
	Selected    *bool
	IdentityKey string
	// IdentityKeys matches any of the listed keys when non-empty.
	IdentityKeys []string
	// Search matches a case-insensitive substring of the username, email or
	// display name.
	Search string
	Limit  int
	Offset int
}

// Match reports whether u passes the filter, ignoring Limit and Offset.
func (f Filter) Match(u User) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, u.Status) {
		return false
	}
	if f.Selected != nil && u.Selected != *f.Selected {
		return false
	}
	if f.IdentityKey != "" && u.IdentityKey != f.IdentityKey {
		return false
	}
	if len(f.IdentityKeys) > 0 && !slices.Contains(f.IdentityKeys, u.IdentityKey) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(u.Username), q) &&
			!strings.Contains(strings.ToLower(u.Email), q) &&
			!strings.Contains(strings.ToLower(u.DisplayName), q) {
			return false
		}
	}
	return true
}

// Store persists staged users.
//
// Identity keys are unique among records whose status is not REJECTED;
// Upsert returns ErrDuplicateKey when a write would break that. Upsert never
// overwrites a stored REJECTED record; such writes are dropped.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (User, error)
	// GetByKey returns the non-REJECTED record for an identity key.
	GetByKey(ctx context.Context, key string) (User, error)
	List(ctx context.Context, filter Filter) ([]User, error)
	Upsert(ctx context.Context, users ...User) error
	Delete(ctx context.Context, ids ...uuid.UUID) error

	SetSelected(ctx context.Context, selected bool, ids ...uuid.UUID) error
	SelectAll(ctx context.Context, selected bool, filter Filter) (int, error)
	// Reject marks records REJECTED and clears their selection.
	Reject(ctx context.Context, actor string, ids ...uuid.UUID) (int, error)
	MarkReviewed(ctx context.Context, actor string, ids ...uuid.UUID) error
	// ClearRejected deletes REJECTED records so their keys are staged again
	// by the next run. With no ids every REJECTED record is cleared.
	ClearRejected(ctx context.Context, ids ...uuid.UUID) (int, error)
	// PurgeRejected deletes REJECTED records last updated before cutoff.
	PurgeRejected(ctx context.Context, cutoff time.Time) (int, error)
}
