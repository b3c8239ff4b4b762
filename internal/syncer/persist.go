package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/isometry/adsync/internal/importer"
	"github.com/isometry/adsync/internal/settings"
	"github.com/isometry/adsync/internal/staging"
)

// persister writes reconciled records according to the staging mode.
type persister struct {
	staging    staging.Store
	users      importer.UserStore
	mode       settings.StagingMode
	deactivate bool
	committed  map[string]bool
}

// persist writes one batch and returns how many users were applied straight
// to the committed store.
func (p *persister) persist(ctx context.Context, users []staging.User) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}

	var toStage, toApply []staging.User
	for _, u := range users {
		if p.direct(u) {
			toApply = append(toApply, u)
		} else {
			toStage = append(toStage, u)
		}
	}

	if err := p.staging.Upsert(ctx, toStage...); err != nil {
		return 0, fmt.Errorf("persist staged users: %w", err)
	}

	applied := 0
	ids := make([]uuid.UUID, 0, len(toApply))
	for _, u := range toApply {
		ok, err := p.apply(ctx, u)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
		ids = append(ids, u.ID)
	}
	if err := p.staging.Delete(ctx, ids...); err != nil {
		return applied, fmt.Errorf("remove applied users from staging: %w", err)
	}
	return applied, nil
}

// direct reports whether u bypasses staging.
func (p *persister) direct(u staging.User) bool {
	switch p.mode {
	case settings.StagingDisabled:
		return true
	case settings.StagingNewOnly:
		// Only changes to existing committed users skip review.
		return p.committed[u.IdentityKey] &&
			(u.Status == staging.StatusUpdated || u.Status == staging.StatusExisting)
	default:
		return false
	}
}

func (p *persister) apply(ctx context.Context, u staging.User) (bool, error) {
	if u.Status != staging.StatusDisabled {
		if _, err := p.users.Upsert(ctx, importer.FromStaged(u)); err != nil {
			return false, fmt.Errorf("apply %s: %w", u.IdentityKey, err)
		}
		p.committed[u.IdentityKey] = true
		return true, nil
	}

	if !p.deactivate || !p.committed[u.IdentityKey] {
		return false, nil
	}
	err := p.users.Deactivate(ctx, u.IdentityKey)
	if err != nil && !errors.Is(err, importer.ErrUserNotFound) {
		return false, fmt.Errorf("deactivate %s: %w", u.IdentityKey, err)
	}
	return err == nil, nil
}
