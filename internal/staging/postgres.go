package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/isometry/adsync/internal/mapping"
	"github.com/isometry/adsync/internal/postgres"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const selectColumns = `id, identity_key, dn, fields, app_groups, app_roles, fingerprint,
	status, selected, created_at, updated_at, created_by, updated_by, reviewed_at`

// PostgresStore keeps staged users in adsync_staged_users.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store on db. The schema is created by
// postgres.Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u                    User
		fields, groups, role []byte
		status               string
		reviewed             sql.NullTime
	)
	err := row.Scan(&u.ID, &u.IdentityKey, &u.DN, &fields, &groups, &role, &u.Fingerprint,
		&status, &u.Selected, &u.CreatedAt, &u.UpdatedAt, &u.CreatedBy, &u.UpdatedBy, &reviewed)
	if err != nil {
		return User{}, err
	}

	var f mapping.Fields
	if err := json.Unmarshal(fields, &f); err != nil {
		return User{}, fmt.Errorf("decode fields for %s: %w", u.IdentityKey, err)
	}
	u.Fields = f
	if err := json.Unmarshal(groups, &u.Groups); err != nil {
		return User{}, fmt.Errorf("decode groups for %s: %w", u.IdentityKey, err)
	}
	if err := json.Unmarshal(role, &u.Roles); err != nil {
		return User{}, fmt.Errorf("decode roles for %s: %w", u.IdentityKey, err)
	}
	u.Status = Status(status)
	if reviewed.Valid {
		t := reviewed.Time
		u.ReviewedAt = &t
	}
	return u, nil
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM adsync_staged_users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get staged user %s: %w", id, err)
	}
	return u, nil
}

func (p *PostgresStore) GetByKey(ctx context.Context, key string) (User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM adsync_staged_users WHERE identity_key = $1 AND status <> 'REJECTED'`, key)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get staged user by key %q: %w", key, err)
	}
	return u, nil
}

// where renders the filter as a SQL predicate, appending bind values to args.
func (f Filter) where(args []any) (string, []any) {
	var clauses []string
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "status = ANY("+bind(statuses)+"::text[])")
	}
	if f.Selected != nil {
		clauses = append(clauses, "selected = "+bind(*f.Selected))
	}
	if f.IdentityKey != "" {
		clauses = append(clauses, "identity_key = "+bind(f.IdentityKey))
	}
	if len(f.IdentityKeys) > 0 {
		clauses = append(clauses, "identity_key = ANY("+bind(f.IdentityKeys)+"::text[])")
	}
	if f.Search != "" {
		q := bind("%" + strings.ToLower(f.Search) + "%")
		clauses = append(clauses, fmt.Sprintf(
			"(LOWER(fields->>'username') LIKE %[1]s OR LOWER(fields->>'email') LIKE %[1]s OR LOWER(fields->>'displayName') LIKE %[1]s)", q))
	}

	if len(clauses) == 0 {
		return "TRUE", args
	}
	return strings.Join(clauses, " AND "), args
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]User, error) {
	where, args := filter.where(nil)
	query := `SELECT ` + selectColumns + ` FROM adsync_staged_users WHERE ` + where + ` ORDER BY identity_key, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list staged users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staged user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Upsert(ctx context.Context, users ...User) error {
	if len(users) == 0 {
		return nil
	}

	err := postgres.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		for _, u := range users {
			if err := upsertUser(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.Detail)
	}
	return err
}

func upsertUser(ctx context.Context, tx *sql.Tx, u User) error {
	fields, err := json.Marshal(u.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", u.IdentityKey, err)
	}
	groups, err := json.Marshal(nonNil(u.Groups))
	if err != nil {
		return fmt.Errorf("encode groups for %s: %w", u.IdentityKey, err)
	}
	roles, err := json.Marshal(nonNil(u.Roles))
	if err != nil {
		return fmt.Errorf("encode roles for %s: %w", u.IdentityKey, err)
	}

	var reviewed sql.NullTime
	if u.ReviewedAt != nil {
		reviewed = sql.NullTime{Time: *u.ReviewedAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO adsync_staged_users (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			identity_key = EXCLUDED.identity_key,
			dn = EXCLUDED.dn,
			fields = EXCLUDED.fields,
			app_groups = EXCLUDED.app_groups,
			app_roles = EXCLUDED.app_roles,
			fingerprint = EXCLUDED.fingerprint,
			status = EXCLUDED.status,
			selected = EXCLUDED.selected,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by,
			reviewed_at = EXCLUDED.reviewed_at
		WHERE adsync_staged_users.status <> 'REJECTED'
	`, u.ID, u.IdentityKey, u.DN, fields, groups, roles, u.Fingerprint,
		string(u.Status), u.Selected, u.CreatedAt, u.UpdatedAt, u.CreatedBy, u.UpdatedBy, reviewed)
	if err != nil {
		return fmt.Errorf("upsert staged user %s: %w", u.IdentityKey, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (p *PostgresStore) Delete(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM adsync_staged_users WHERE id = ANY($1::uuid[])`, idStrings(ids)); err != nil {
		return fmt.Errorf("delete staged users: %w", err)
	}
	return nil
}

func (p *PostgresStore) SetSelected(ctx context.Context, selected bool, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE adsync_staged_users SET selected = $1 WHERE id = ANY($2::uuid[])`, selected, idStrings(ids))
	if err != nil {
		return fmt.Errorf("select staged users: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && int(n) < len(ids) {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SelectAll(ctx context.Context, selected bool, filter Filter) (int, error) {
	where, args := filter.where([]any{selected})
	res, err := p.db.ExecContext(ctx, `UPDATE adsync_staged_users SET selected = $1 WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("select all staged users: %w", err)
	}
	return affected(res)
}

func (p *PostgresStore) Reject(ctx context.Context, actor string, ids ...uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE adsync_staged_users
		SET status = 'REJECTED', selected = FALSE, updated_at = NOW(), updated_by = $1, reviewed_at = NOW()
		WHERE id = ANY($2::uuid[]) AND status <> 'REJECTED'
	`, actor, idStrings(ids))
	if err != nil {
		return 0, fmt.Errorf("reject staged users: %w", err)
	}
	return affected(res)
}

func (p *PostgresStore) MarkReviewed(ctx context.Context, actor string, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE adsync_staged_users SET reviewed_at = NOW(), updated_by = $1 WHERE id = ANY($2::uuid[])`, actor, idStrings(ids))
	if err != nil {
		return fmt.Errorf("mark staged users reviewed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && int(n) < len(ids) {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ClearRejected(ctx context.Context, ids ...uuid.UUID) (int, error) {
	var (
		res sql.Result
		err error
	)
	if len(ids) == 0 {
		res, err = p.db.ExecContext(ctx, `DELETE FROM adsync_staged_users WHERE status = 'REJECTED'`)
	} else {
		res, err = p.db.ExecContext(ctx,
			`DELETE FROM adsync_staged_users WHERE status = 'REJECTED' AND id = ANY($1::uuid[])`, idStrings(ids))
	}
	if err != nil {
		return 0, fmt.Errorf("clear rejected staged users: %w", err)
	}
	return affected(res)
}

func (p *PostgresStore) PurgeRejected(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM adsync_staged_users WHERE status = 'REJECTED' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge rejected staged users: %w", err)
	}
	return affected(res)
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
