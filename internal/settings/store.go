package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Store persists Settings. Load returns Default() when nothing was saved.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// MemoryStore keeps settings in process.
type MemoryStore struct {
	mu    sync.RWMutex
	saved *Settings
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.saved == nil {
		return Default(), nil
	}
	return clone(*m.saved)
}

func (m *MemoryStore) Save(_ context.Context, s Settings) error {
	c, err := clone(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &c
	return nil
}

// clone deep-copies through JSON so callers never share mapping tables.
func clone(s Settings) (Settings, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	return Decode(data)
}

// Decode parses JSON settings over the defaults, so fields absent from data
// keep their default values.
func Decode(data []byte) (Settings, error) {
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// PostgresStore keeps settings as a single JSONB row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store on db. The schema is created by
// postgres.Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context) (Settings, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM adsync_settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return Decode(data)
}

func (p *PostgresStore) Save(ctx context.Context, s Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO adsync_settings (id, data, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, data)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
