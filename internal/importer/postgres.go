package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/reconcile"
)

// PostgresUserStore keeps committed users in adsync_users. Deployments with
// their own user store implement UserStore instead.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore returns a store on db. The schema is created by
// postgres.Migrate.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (p *PostgresUserStore) Snapshot(ctx context.Context, keys ...string) ([]reconcile.Committed, error) {
	query := `SELECT identity_key, dn, fields, app_groups, app_roles, fingerprint, active FROM adsync_users`
	var args []any
	if len(keys) > 0 {
		query += ` WHERE identity_key = ANY($1::text[])`
		args = append(args, keys)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot committed users: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Committed
	for rows.Next() {
		var (
			c                     reconcile.Committed
			fields, groups, roles []byte
		)
		if err := rows.Scan(&c.IdentityKey, &c.DN, &fields, &groups, &roles, &c.Fingerprint, &c.Active); err != nil {
			return nil, fmt.Errorf("scan committed user: %w", err)
		}

		var f mapping.Fields
		if err := json.Unmarshal(fields, &f); err != nil {
			return nil, fmt.Errorf("decode fields for %s: %w", c.IdentityKey, err)
		}
		c.Fields = f
		if err := json.Unmarshal(groups, &c.Groups); err != nil {
			return nil, fmt.Errorf("decode groups for %s: %w", c.IdentityKey, err)
		}
		if err := json.Unmarshal(roles, &c.Roles); err != nil {
			return nil, fmt.Errorf("decode roles for %s: %w", c.IdentityKey, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresUserStore) Upsert(ctx context.Context, u User) (bool, error) {
	fields, err := json.Marshal(u.Fields)
	if err != nil {
		return false, fmt.Errorf("encode fields for %s: %w", u.IdentityKey, err)
	}
	groups, err := json.Marshal(orEmpty(u.Groups))
	if err != nil {
		return false, fmt.Errorf("encode groups for %s: %w", u.IdentityKey, err)
	}
	roles, err := json.Marshal(orEmpty(u.Roles))
	if err != nil {
		return false, fmt.Errorf("encode roles for %s: %w", u.IdentityKey, err)
	}

	// xmax is zero for a freshly inserted row.
	var created bool
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO adsync_users (identity_key, dn, fields, app_groups, app_roles, fingerprint, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		ON CONFLICT (identity_key) DO UPDATE SET
			dn = EXCLUDED.dn,
			fields = EXCLUDED.fields,
			app_groups = EXCLUDED.app_groups,
			app_roles = EXCLUDED.app_roles,
			fingerprint = EXCLUDED.fingerprint,
			active = TRUE,
			updated_at = NOW()
		RETURNING (xmax = 0)
	`, u.IdentityKey, u.DN, fields, groups, roles, u.Fingerprint()).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert committed user %s: %w", u.IdentityKey, err)
	}
	return created, nil
}

func (p *PostgresUserStore) Deactivate(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE adsync_users SET active = FALSE, updated_at = NOW() WHERE identity_key = $1`, key)
	if err != nil {
		return fmt.Errorf("deactivate committed user %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
