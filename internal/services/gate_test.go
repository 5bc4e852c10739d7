package services_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kickoffdata/api-gateway/internal/database"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/kickoffdata/api-gateway/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCredentialStore struct {
	mock.Mock
}

func (m *mockCredentialStore) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	args := m.Called(ctx, key)
	rec, _ := args.Get(0).(*models.APIKey)
	return rec, args.Error(1)
}

func (m *mockCredentialStore) RecordUsage(ctx context.Context, key, capability string, at time.Time) error {
	return m.Called(ctx, key, capability, at).Error(0)
}

func headerWithKey(key string) http.Header {
	h := http.Header{}
	if key != "" {
		h.Set(services.APIKeyHeader, key)
	}
	return h
}

func activeKey() *models.APIKey {
	return &models.APIKey{
		ID:          uuid.New(),
		Key:         "kd_test",
		Name:        "Acme Sports",
		Tier:        models.TierStarter,
		Status:      models.StatusActive,
		RateLimits:  models.RateLimits{RequestsPerMinute: 2, RequestsPerDay: 100},
		Permissions: []string{"fpl.*"},
	}
}

func newTestGate(store services.CredentialStore, clock *fakeClock) *services.Gate {
	return services.NewGate(store, nil, logrus.New()).WithClock(clock.Now)
}

func requireGateError(t *testing.T, err error, code string, status int) *services.GateError {
	t.Helper()
	var gateErr *services.GateError
	require.True(t, errors.As(err, &gateErr), "expected GateError, got %v", err)
	assert.Equal(t, code, gateErr.Code)
	assert.Equal(t, status, gateErr.Status)
	return gateErr
}

func TestGate_MissingKey(t *testing.T) {
	store := &mockCredentialStore{}
	gate := newTestGate(store, newFakeClock(t0))

	id, err := gate.Admit(context.Background(), headerWithKey(""), "fpl.live")

	assert.Nil(t, id)
	requireGateError(t, err, services.CodeMissingKey, http.StatusUnauthorized)
	store.AssertExpectations(t)
}

func TestGate_InvalidKey(t *testing.T) {
	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_unknown").Return(nil, nil)
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_unknown"), "fpl.live")

	requireGateError(t, err, services.CodeInvalidKey, http.StatusUnauthorized)
	store.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_StoreFailureFailsClosed(t *testing.T) {
	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(nil, errors.New("connection refused"))
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "fpl.live")

	gateErr := requireGateError(t, err, services.CodeInternal, http.StatusInternalServerError)
	assert.EqualError(t, gateErr.Err, "connection refused")
}

func TestGate_RevokedKeyRejectedBeforeEverythingElse(t *testing.T) {
	rec := activeKey()
	rec.Status = models.StatusRevoked
	rec.Permissions = []string{"*"}

	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(rec, nil)
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "f1.positions")

	requireGateError(t, err, services.CodeKeyInactive, http.StatusForbidden)
	store.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_SuspendedKey(t *testing.T) {
	rec := activeKey()
	rec.Status = models.StatusSuspended

	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(rec, nil)
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "fpl.live")
	requireGateError(t, err, services.CodeKeyInactive, http.StatusForbidden)
}

func TestGate_ExpiredKey(t *testing.T) {
	rec := activeKey()
	rec.ExpiresAt = at(t0.Add(-time.Minute))

	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(rec, nil)
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "fpl.live")
	requireGateError(t, err, services.CodeKeyExpired, http.StatusForbidden)
}

func TestGate_PermissionDenied(t *testing.T) {
	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(activeKey(), nil)
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "f1.positions")

	requireGateError(t, err, services.CodePermissionDenied, http.StatusForbidden)
	store.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_RateLimited(t *testing.T) {
	rec := activeKey()
	rec.Usage = models.Usage{ThisMinute: 2, Today: 2, LastRequestAt: at(t0.Add(-time.Second))}

	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(rec, nil)
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "fpl.live")

	gateErr := requireGateError(t, err, services.CodeRateLimited, http.StatusTooManyRequests)
	assert.Equal(t, 60*time.Second, gateErr.RetryAfter())
	require.NotNil(t, gateErr.Decision)
	assert.Equal(t, 2, gateErr.Decision.Limit)
	store.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_Admit(t *testing.T) {
	rec := activeKey()
	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(rec, nil)
	store.On("RecordUsage", mock.Anything, "kd_test", "fpl.live", t0).Return(nil)
	gate := newTestGate(store, newFakeClock(t0))

	id, err := gate.Admit(context.Background(), headerWithKey("  kd_test "), "fpl.live")

	require.NoError(t, err)
	assert.Equal(t, rec.ID, id.KeyID)
	assert.Equal(t, models.TierStarter, id.Tier)
	assert.Equal(t, "fpl.live", id.Capability)
	assert.Equal(t, 1, id.RemainingThisMinute)
	assert.Equal(t, 99, id.RemainingToday)
	assert.Equal(t, t0.Add(time.Minute), id.ResetAt)
	store.AssertExpectations(t)
}

func TestGate_RecordUsageFailure(t *testing.T) {
	store := &mockCredentialStore{}
	store.On("GetAPIKeyByKey", mock.Anything, "kd_test").Return(activeKey(), nil)
	store.On("RecordUsage", mock.Anything, "kd_test", "fpl.live", t0).Return(errors.New("disk full"))
	gate := newTestGate(store, newFakeClock(t0))

	_, err := gate.Admit(context.Background(), headerWithKey("kd_test"), "fpl.live")
	requireGateError(t, err, services.CodeInternal, http.StatusInternalServerError)
}

func createKey(t *testing.T, db *database.MemoryDB, limits models.RateLimits, permissions ...string) *models.APIKey {
	t.Helper()
	rec := &models.APIKey{
		Key:         "kd_" + uuid.NewString(),
		Name:        "Acme Sports",
		Tier:        models.TierGrowth,
		Status:      models.StatusActive,
		RateLimits:  limits,
		Permissions: permissions,
	}
	require.NoError(t, db.CreateAPIKey(context.Background(), rec))
	return rec
}

func TestGate_EndToEndScenario(t *testing.T) {
	db := database.NewMemoryDB()
	rec := createKey(t, db, models.RateLimits{RequestsPerMinute: 2, RequestsPerDay: 100}, "football.*")
	clock := newFakeClock(t0)
	gate := newTestGate(db, clock)
	ctx := context.Background()

	id, err := gate.Admit(ctx, headerWithKey(rec.Key), "football.teams")
	require.NoError(t, err)
	assert.Equal(t, 1, id.RemainingThisMinute)

	clock.Advance(time.Second)
	id, err = gate.Admit(ctx, headerWithKey(rec.Key), "football.teams")
	require.NoError(t, err)
	assert.Equal(t, 0, id.RemainingThisMinute)

	clock.Advance(time.Second)
	_, err = gate.Admit(ctx, headerWithKey(rec.Key), "football.teams")
	gateErr := requireGateError(t, err, services.CodeRateLimited, http.StatusTooManyRequests)
	assert.Equal(t, 60*time.Second, gateErr.RetryAfter())

	_, err = gate.Admit(ctx, headerWithKey(rec.Key), "f1.standings")
	requireGateError(t, err, services.CodePermissionDenied, http.StatusForbidden)

	entry, err := db.GetUsageLedger(ctx, rec.Key, models.LedgerDate(t0))
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RequestCount)
	assert.Equal(t, map[string]int{"football.teams": 2}, entry.Endpoints)
}

func TestGate_DailyWindowsSplitAtUTCMidnight(t *testing.T) {
	db := database.NewMemoryDB()
	rec := createKey(t, db, models.RateLimits{RequestsPerMinute: 10, RequestsPerDay: 1}, "*")
	clock := newFakeClock(time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC))
	gate := newTestGate(db, clock)
	ctx := context.Background()

	_, err := gate.Admit(ctx, headerWithKey(rec.Key), "fpl.live")
	require.NoError(t, err)

	clock.Set(time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC))
	_, err = gate.Admit(ctx, headerWithKey(rec.Key), "fpl.live")
	require.NoError(t, err)

	for _, date := range []string{"2025-03-01", "2025-03-02"} {
		entry, err := db.GetUsageLedger(ctx, rec.Key, date)
		require.NoError(t, err)
		assert.Equal(t, 1, entry.RequestCount)
	}
}

func TestGate_StrictAdmissionUnderConcurrency(t *testing.T) {
	db := database.NewMemoryDB()
	rec := createKey(t, db, models.RateLimits{RequestsPerMinute: 5, RequestsPerDay: 1000}, "*")
	gate := newTestGate(db, newFakeClock(t0)).WithStrictAdmission(true)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gate.Admit(context.Background(), headerWithKey(rec.Key), "fpl.live"); err == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), admitted)
}

func TestGate_DefaultAdmissionOverAdmitsBoundedly(t *testing.T) {
	const (
		limit   = 5
		callers = 40
	)
	db := database.NewMemoryDB()
	rec := createKey(t, db, models.RateLimits{RequestsPerMinute: limit, RequestsPerDay: 1000}, "*")
	gate := newTestGate(db, newFakeClock(t0))

	var admitted int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := gate.Admit(context.Background(), headerWithKey(rec.Key), "fpl.live")
			if err == nil {
				atomic.AddInt32(&admitted, 1)
				return
			}
			var gateErr *services.GateError
			if assert.ErrorAs(t, err, &gateErr) {
				assert.Equal(t, services.CodeRateLimited, gateErr.Code)
			}
		}()
	}
	close(start)
	wg.Wait()

	n := int(atomic.LoadInt32(&admitted))
	assert.GreaterOrEqual(t, n, limit)
	assert.LessOrEqual(t, n, limit+callers-1)

	// every admission is counted, none lost to the race
	entry, err := db.GetUsageLedger(context.Background(), rec.Key, models.LedgerDate(t0))
	require.NoError(t, err)
	assert.Equal(t, n, entry.RequestCount)

	stored, err := db.GetAPIKeyByKey(context.Background(), rec.Key)
	require.NoError(t, err)
	assert.Equal(t, n, stored.Usage.ThisMinute)
}

func TestGate_NormalizesCapability(t *testing.T) {
	db := database.NewMemoryDB()
	rec := createKey(t, db, models.RateLimits{RequestsPerMinute: 10, RequestsPerDay: 100}, "fpl.*")
	gate := newTestGate(db, newFakeClock(t0))

	id, err := gate.Admit(context.Background(), headerWithKey(rec.Key), " FPL.Live ")
	require.NoError(t, err)
	assert.Equal(t, "fpl.live", id.Capability)

	entry, err := db.GetUsageLedger(context.Background(), rec.Key, models.LedgerDate(t0))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fpl.live": 1}, entry.Endpoints)
}
