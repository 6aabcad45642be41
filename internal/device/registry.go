// Package device registers detection kiosks and rotates their tokens.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"classattend/internal/auth"
)

var (
	// ErrInvalidDevice rejects an empty or malformed device id.
	ErrInvalidDevice = errors.New("device id required")
	// ErrTokenRevoked is returned for refresh tokens already used or unknown.
	ErrTokenRevoked = errors.New("refresh token revoked")
)

// Store persists devices and their refresh tokens.
type Store interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	// RevokeRefreshToken reports whether token was live before this call.
	RevokeRefreshToken(ctx context.Context, token string) (bool, error)
}

// Registry issues device token pairs.
type Registry struct {
	store Store
	iss   auth.Issuer
}

// NewRegistry creates a registry.
func NewRegistry(store Store, iss auth.Issuer) *Registry {
	return &Registry{store: store, iss: iss}
}

// Register records deviceID and issues its first token pair.
func (r *Registry) Register(ctx context.Context, deviceID string) (auth.TokenPair, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return auth.TokenPair{}, ErrInvalidDevice
	}
	if err := r.store.UpsertDevice(ctx, deviceID); err != nil {
		return auth.TokenPair{}, fmt.Errorf("upsert device: %w", err)
	}
	return r.issue(ctx, deviceID)
}

// Refresh exchanges a refresh token for a new pair. Each refresh token works
// once.
func (r *Registry) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	claims, err := r.iss.Parse(refreshToken, auth.KindRefresh)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	live, err := r.store.RevokeRefreshToken(ctx, refreshToken)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("revoke refresh token: %w", err)
	}
	if !live {
		return auth.TokenPair{}, ErrTokenRevoked
	}
	return r.issue(ctx, claims.Subject)
}

func (r *Registry) issue(ctx context.Context, deviceID string) (auth.TokenPair, error) {
	pair, err := r.iss.Issue(deviceID, auth.RoleDevice)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if err := r.store.SaveRefreshToken(ctx, deviceID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return auth.TokenPair{}, fmt.Errorf("save refresh token: %w", err)
	}
	return pair, nil
}
