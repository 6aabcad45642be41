package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "TICK_INTERVAL", "MIN_PERCENTAGE", "FACE_SKIP", "STORE_BACKEND"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 15*time.Second, cfg.SyncInterval)
	assert.Equal(t, 75, cfg.MinPercentage)
	assert.True(t, cfg.FaceSkip)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 2*time.Minute, cfg.TransitionLockTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("MIN_PERCENTAGE", "80")
	t.Setenv("FACE_SKIP", "false")
	t.Setenv("FACE_MATCH_THRESHOLD", "0.65")

	cfg := Load()
	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 80, cfg.MinPercentage)
	assert.False(t, cfg.FaceSkip)
	assert.InDelta(t, 0.65, cfg.FaceMatchThreshold, 1e-9)
}

func TestInvalidValuesFallBack(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		got  func(App) any
		want any
	}{
		{"duration", "SWEEP_INTERVAL", "soon", func(a App) any { return a.SweepInterval }, 15 * time.Second},
		{"int", "RATE_LIMIT_PER_MIN", "many", func(a App) any { return a.RateLimitPerMin }, 120},
		{"bool", "FACE_SKIP", "maybe", func(a App) any { return a.FaceSkip }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			assert.Equal(t, tt.want, tt.got(Load()))
		})
	}
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "UTC", App{Timezone: "UTC"}.Location().String())
	assert.Equal(t, time.Local, App{Timezone: "Not/AZone"}.Location())
}
