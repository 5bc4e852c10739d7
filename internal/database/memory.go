package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/kickoffdata/api-gateway/internal/services"
)

// MemoryDB is a process-local credential store used when no DATABASE_URL is
// configured, and by tests.
type MemoryDB struct {
	mu     sync.Mutex
	keys   map[string]*models.APIKey
	ledger map[string]*models.UsageLedgerEntry
	logs   []models.RequestLog
	locks  map[string]*sync.Mutex
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		keys:   make(map[string]*models.APIKey),
		ledger: make(map[string]*models.UsageLedgerEntry),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *MemoryDB) Ping(context.Context) error {
	return nil
}

func (m *MemoryDB) GetAPIKeyByKey(_ context.Context, key string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[key]
	if !ok {
		return nil, nil
	}
	return cloneKey(k), nil
}

func (m *MemoryDB) GetAPIKeyByID(_ context.Context, id uuid.UUID) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.keys {
		if k.ID == id {
			return cloneKey(k), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryDB) CreateAPIKey(_ context.Context, apiKey *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[apiKey.Key]; exists {
		return fmt.Errorf("couldn't create API key: duplicate key")
	}
	if apiKey.ID == uuid.Nil {
		apiKey.ID = uuid.New()
	}
	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = time.Now()
	}
	m.keys[apiKey.Key] = cloneKey(apiKey)
	return nil
}

func (m *MemoryDB) ListAPIKeys(context.Context) ([]models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	apiKeys := make([]models.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		apiKeys = append(apiKeys, *cloneKey(k))
	}
	sort.Slice(apiKeys, func(i, j int) bool {
		return apiKeys[i].CreatedAt.After(apiKeys[j].CreatedAt)
	})
	return apiKeys, nil
}

func (m *MemoryDB) UpdateStatus(_ context.Context, id uuid.UUID, status models.Status) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.findByID(id)
	if k == nil {
		return nil, ErrNotFound
	}
	if err := k.CanTransitionTo(status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	k.Status = status
	return cloneKey(k), nil
}

func (m *MemoryDB) UpdateRateLimits(_ context.Context, id uuid.UUID, limits models.RateLimits) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.findByID(id)
	if k == nil {
		return nil, ErrNotFound
	}
	k.RateLimits = limits
	return cloneKey(k), nil
}

func (m *MemoryDB) RecordUsage(_ context.Context, key, capability string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[key]
	if !ok {
		return ErrNotFound
	}
	k.Usage = services.ApplyAdmission(k.Usage, at)

	date := models.LedgerDate(at)
	entry, ok := m.ledger[ledgerKey(key, date)]
	if !ok {
		entry = &models.UsageLedgerEntry{Key: key, Date: date, Endpoints: make(map[string]int)}
		m.ledger[ledgerKey(key, date)] = entry
	}
	entry.RequestCount++
	entry.Endpoints[capability]++
	if at.After(entry.LastRequestAt) {
		entry.LastRequestAt = at
	}
	return nil
}

func (m *MemoryDB) GetUsageLedger(_ context.Context, key, date string) (*models.UsageLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.ledger[ledgerKey(key, date)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *entry
	out.Endpoints = make(map[string]int, len(entry.Endpoints))
	for k, v := range entry.Endpoints {
		out.Endpoints[k] = v
	}
	return &out, nil
}

func (m *MemoryDB) LogRequest(_ context.Context, log *models.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.ID = uuid.New()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	m.logs = append(m.logs, *log)
	return nil
}

// RequestLogs returns a copy of the logged requests
func (m *MemoryDB) RequestLogs() []models.RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RequestLog(nil), m.logs...)
}

// WithKeyLock serializes fn with every other locked admission for key.
// Unknown keys are not locked, so presented garbage never grows the lock table.
func (m *MemoryDB) WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	if _, exists := m.keys[key]; !exists {
		m.mu.Unlock()
		return fn(ctx)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (m *MemoryDB) findByID(id uuid.UUID) *models.APIKey {
	for _, k := range m.keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

func ledgerKey(key, date string) string {
	return key + "|" + date
}

func cloneKey(k *models.APIKey) *models.APIKey {
	out := *k
	out.Permissions = append([]string(nil), k.Permissions...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	if k.Usage.LastRequestAt != nil {
		t := *k.Usage.LastRequestAt
		out.Usage.LastRequestAt = &t
	}
	return &out
}
