package device

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// PostgresStore persists devices in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// UpsertDevice ensures a device record exists.
func (s *PostgresStore) UpsertDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (s *PostgresStore) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a live token revoked.
func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND NOT revoked AND expires_at > NOW()
	`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type refreshToken struct {
	deviceID  string
	expiresAt time.Time
	revoked   bool
}

// MemoryStore keeps devices in process for dev runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]time.Time
	tokens  map[string]*refreshToken
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]time.Time),
		tokens:  make(map[string]*refreshToken),
		now:     time.Now,
	}
}

func (m *MemoryStore) UpsertDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		m.devices[deviceID] = m.now()
	}
	return nil
}

func (m *MemoryStore) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = &refreshToken{deviceID: deviceID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) RevokeRefreshToken(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.revoked || !t.expiresAt.After(m.now()) {
		return false, nil
	}
	t.revoked = true
	return true, nil
}
