package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemoryKey(t *testing.T, m *MemoryDB, key string) *models.APIKey {
	t.Helper()
	apiKey := &models.APIKey{
		Key:         key,
		Name:        "Acme",
		Tier:        models.TierStarter,
		Status:      models.StatusActive,
		RateLimits:  models.RateLimits{RequestsPerMinute: 30, RequestsPerDay: 1000},
		Permissions: []string{"fpl.*"},
		CreatedAt:   createdAt,
	}
	require.NoError(t, m.CreateAPIKey(context.Background(), apiKey))
	return apiKey
}

func TestMemoryDB_CreateAndLookup(t *testing.T) {
	m := NewMemoryDB()
	ctx := context.Background()
	created := seedMemoryKey(t, m, "kd_a")

	got, err := m.GetAPIKeyByKey(ctx, "kd_a")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	got.Permissions[0] = "mutated"
	again, _ := m.GetAPIKeyByKey(ctx, "kd_a")
	assert.Equal(t, "fpl.*", again.Permissions[0])

	missing, err := m.GetAPIKeyByKey(ctx, "kd_nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, m.CreateAPIKey(ctx, &models.APIKey{Key: "kd_a"}))
}

func TestMemoryDB_StatusTransitions(t *testing.T) {
	m := NewMemoryDB()
	ctx := context.Background()
	apiKey := seedMemoryKey(t, m, "kd_a")

	updated, err := m.UpdateStatus(ctx, apiKey.ID, models.StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, updated.Status)

	_, err = m.UpdateStatus(ctx, apiKey.ID, models.StatusRevoked)
	require.NoError(t, err)

	_, err = m.UpdateStatus(ctx, apiKey.ID, models.StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.UpdateStatus(ctx, keyID, models.StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDB_RecordUsage(t *testing.T) {
	m := NewMemoryDB()
	ctx := context.Background()
	seedMemoryKey(t, m, "kd_a")

	at := time.Date(2025, 3, 1, 23, 59, 50, 0, time.UTC)
	require.NoError(t, m.RecordUsage(ctx, "kd_a", "fpl.live", at))
	require.NoError(t, m.RecordUsage(ctx, "kd_a", "fpl.live", at.Add(time.Second)))
	require.NoError(t, m.RecordUsage(ctx, "kd_a", "fpl.bootstrap", at.Add(20*time.Second)))

	apiKey, _ := m.GetAPIKeyByKey(ctx, "kd_a")
	assert.Equal(t, 3, apiKey.Usage.ThisMinute)
	assert.Equal(t, 1, apiKey.Usage.Today)

	day1, err := m.GetUsageLedger(ctx, "kd_a", "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, day1.RequestCount)
	assert.Equal(t, map[string]int{"fpl.live": 2}, day1.Endpoints)

	day2, err := m.GetUsageLedger(ctx, "kd_a", "2025-03-02")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fpl.bootstrap": 1}, day2.Endpoints)

	_, err = m.GetUsageLedger(ctx, "kd_a", "2025-02-28")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.RecordUsage(ctx, "kd_nope", "fpl.live", at), ErrNotFound)
}

func TestMemoryDB_UpdateRateLimits(t *testing.T) {
	m := NewMemoryDB()
	apiKey := seedMemoryKey(t, m, "kd_a")

	limits := models.RateLimits{RequestsPerMinute: 5, RequestsPerDay: 50}
	updated, err := m.UpdateRateLimits(context.Background(), apiKey.ID, limits)
	require.NoError(t, err)
	assert.Equal(t, limits, updated.RateLimits)
}

func TestMemoryDB_LogRequest(t *testing.T) {
	m := NewMemoryDB()

	require.NoError(t, m.LogRequest(context.Background(), &models.RequestLog{RequestID: "req-1", StatusCode: 401}))

	logs := m.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "req-1", logs[0].RequestID)
	assert.False(t, logs[0].CreatedAt.IsZero())
}

func TestMemoryDB_WithKeyLockIgnoresUnknownKeys(t *testing.T) {
	m := NewMemoryDB()
	seedMemoryKey(t, m, "kd_a")

	calls := 0
	for i := 0; i < 100; i++ {
		err := m.WithKeyLock(context.Background(), fmt.Sprintf("kd_random_%d", i), func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, m.WithKeyLock(context.Background(), "kd_a", func(context.Context) error {
		calls++
		return nil
	}))

	assert.Equal(t, 101, calls)
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.locks, 1)
}
