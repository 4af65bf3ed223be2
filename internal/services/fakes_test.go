package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryAccounts struct {
	mu         sync.Mutex
	byID       map[int]types.Account
	lastLogins map[int]time.Time
	lookupErr  error
	updateErr  error
	created    []types.Account
	pins       []store.PlaintextPIN
	pinHashes  map[int]string
}

func newMemoryAccounts(accounts ...types.Account) *memoryAccounts {
	m := &memoryAccounts{
		byID:       map[int]types.Account{},
		lastLogins: map[int]time.Time{},
		pinHashes:  map[int]string{},
	}
	for _, account := range accounts {
		m.byID[account.ID] = account
	}
	return m
}

func (m *memoryAccounts) GetByID(_ context.Context, id int) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return types.Account{}, m.lookupErr
	}
	account, ok := m.byID[id]
	if !ok {
		return types.Account{}, store.ErrNotFound
	}
	return account, nil
}

func (m *memoryAccounts) GetByUsernameOrEmail(_ context.Context, identifier string) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return types.Account{}, m.lookupErr
	}
	for _, account := range m.byID {
		if account.Username == identifier {
			return account, nil
		}
	}
	for _, account := range m.byID {
		if account.Email == identifier {
			return account, nil
		}
	}
	return types.Account{}, store.ErrNotFound
}

func (m *memoryAccounts) UpdateLastLogin(_ context.Context, id int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.lastLogins[id] = at
	return nil
}

func (m *memoryAccounts) ListActive(_ context.Context) ([]types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []types.Account
	for _, account := range m.byID {
		if account.IsActive {
			active = append(active, account)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (m *memoryAccounts) Create(_ context.Context, account types.Account) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Username == account.Username || existing.Email == account.Email {
			return types.Account{}, store.ErrConflict
		}
	}
	account.ID = len(m.byID) + 1
	m.byID[account.ID] = account
	m.created = append(m.created, account)
	return account, nil
}

func (m *memoryAccounts) ListPlaintextPINs(_ context.Context) ([]store.PlaintextPIN, error) {
	return m.pins, nil
}

func (m *memoryAccounts) UpdatePINHash(_ context.Context, id int, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinHashes[id] = hash
	return nil
}

type refreshRecord struct {
	accountID int
	expiresAt time.Time
	revoked   bool
}

type memoryRefreshStore struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
	records map[string]*refreshRecord
}

func newMemoryRefreshStore(now func() time.Time, ttl time.Duration) *memoryRefreshStore {
	return &memoryRefreshStore{now: now, ttl: ttl, records: map[string]*refreshRecord{}}
}

func (m *memoryRefreshStore) Record(_ context.Context, accountID int, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[store.TokenDigest(token)] = &refreshRecord{accountID: accountID, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *memoryRefreshStore) Revoke(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[store.TokenDigest(token)]
	if !ok || record.revoked {
		return false, nil
	}
	record.revoked = true
	return true, nil
}

func (m *memoryRefreshStore) IsValid(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validLocked(token), nil
}

func (m *memoryRefreshStore) Rotate(_ context.Context, accountID int, oldToken, newToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[store.TokenDigest(oldToken)]
	if !ok || !m.validLocked(oldToken) || record.accountID != accountID {
		return store.ErrNotFound
	}
	record.revoked = true
	m.records[store.TokenDigest(newToken)] = &refreshRecord{accountID: accountID, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *memoryRefreshStore) validLocked(token string) bool {
	record, ok := m.records[store.TokenDigest(token)]
	return ok && !record.revoked && record.expiresAt.After(m.now())
}

func (m *memoryRefreshStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type recordedEvent struct {
	queue string
	event types.AuditEvent
}

type recordingAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingAudit) Publish(_ context.Context, queue string, event types.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{queue: queue, event: event})
}

func (r *recordingAudit) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.event.Event)
	}
	return names
}

func (r *recordingAudit) find(name string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.event.Event == name {
			return e, true
		}
	}
	return recordedEvent{}, false
}
