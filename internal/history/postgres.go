package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const selectColumns = `id, started_at, finished_at, status, sync_trigger, full_sync, users_fetched,
	created, updated, existing, disabled, anomalies, duration_ms, details`

// PostgresLog stores history in adsync_sync_history.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog returns a log on db. The schema is created by
// postgres.Migrate.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                Entry
		finished         sql.NullTime
		status, trigger  string
		durationMillisec int64
	)
	err := row.Scan(&e.ID, &e.Timestamp, &finished, &status, &trigger, &e.Full, &e.UsersFetched,
		&e.Counts.Created, &e.Counts.Updated, &e.Counts.Existing, &e.Counts.Disabled, &e.Counts.Anomalies,
		&durationMillisec, &e.Details)
	if err != nil {
		return Entry{}, err
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	e.Status = Status(status)
	e.Trigger = Trigger(trigger)
	e.Duration = time.Duration(durationMillisec) * time.Millisecond
	return e, nil
}

func (p *PostgresLog) Begin(ctx context.Context, trigger Trigger, full bool) (Entry, error) {
	e := Entry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Status:    StatusInProgress,
		Trigger:   trigger,
		Full:      full,
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO adsync_sync_history (id, started_at, status, sync_trigger, full_sync)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID.String(), e.Timestamp, string(e.Status), string(e.Trigger), e.Full)
	if err != nil {
		return Entry{}, fmt.Errorf("insert history entry: %w", err)
	}
	return e, nil
}

func (p *PostgresLog) Finalize(ctx context.Context, id uuid.UUID, out Outcome) (Entry, error) {
	if !out.Status.Terminal() {
		return Entry{}, ErrNotTerminal
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE adsync_sync_history SET
			finished_at = NOW(),
			status = $2,
			users_fetched = $3,
			created = $4,
			updated = $5,
			existing = $6,
			disabled = $7,
			anomalies = $8,
			details = $9,
			duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE id = $1 AND status = 'IN_PROGRESS'
		RETURNING `+selectColumns,
		id.String(), string(out.Status), out.UsersFetched,
		out.Counts.Created, out.Counts.Updated, out.Counts.Existing, out.Counts.Disabled, out.Counts.Anomalies,
		out.Details)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return Entry{}, getErr
		}
		return Entry{}, ErrAlreadyFinalized
	}
	if err != nil {
		return Entry{}, fmt.Errorf("finalize history entry %s: %w", id, err)
	}
	return e, nil
}

func (p *PostgresLog) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM adsync_sync_history WHERE id = $1`, id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get history entry %s: %w", id, err)
	}
	return e, nil
}

func (p *PostgresLog) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM adsync_sync_history ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresLog) LastSuccess(ctx context.Context, fullOnly bool) (Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM adsync_sync_history
		WHERE status = 'SUCCESS' AND (full_sync OR NOT $1)
		ORDER BY started_at DESC LIMIT 1
	`, fullOnly)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("last successful sync: %w", err)
	}
	return e, nil
}

func (p *PostgresLog) Abandon(ctx context.Context, details string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE adsync_sync_history SET
			status = 'ERROR',
			details = $1,
			finished_at = NOW(),
			duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE status = 'IN_PROGRESS'
	`, details)
	if err != nil {
		return 0, fmt.Errorf("abandon history entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
