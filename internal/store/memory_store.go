package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"qrforge/pkg/domain"
)

// MemoryStore is an in-process Driver used by tests and local development.
// SetFailing makes every call report the store as unreachable, which is how
// facade and sync-engine tests simulate a store outage.
type MemoryStore struct {
	mu      sync.RWMutex
	name    string
	failing bool

	users  map[string]domain.User
	email  map[string]string // lower(email) -> user ID
	qrs    map[string]domain.QRCode
	usage  map[string]domain.AnonymousUsage
	resets map[string]domain.PasswordResetRequest
}

// NewMemoryStore initializes an empty in-memory driver.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:   name,
		users:  make(map[string]domain.User),
		email:  make(map[string]string),
		qrs:    make(map[string]domain.QRCode),
		usage:  make(map[string]domain.AnonymousUsage),
		resets: make(map[string]domain.PasswordResetRequest),
	}
}

// SetFailing toggles simulated unreachability.
func (m *MemoryStore) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) Ping(context.Context) error { return m.check() }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failing {
		return unavailable(m.name, context.DeadlineExceeded)
	}
	return nil
}

// users

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(u.Email)
	if id, ok := m.email[email]; ok && id != u.ID {
		return ErrDuplicateEmail
	}
	m.users[u.ID] = u
	m.email[email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	if err := m.check(); err != nil {
		return domain.User{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	if err := m.check(); err != nil {
		return domain.User{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) ListUsers(_ context.Context, since time.Time) ([]domain.User, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		if u.UpdatedAt.After(since) {
			res = append(res, u)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		delete(m.email, strings.ToLower(u.Email))
	}
	delete(m.users, id)
	return nil
}

// qr codes

func (m *MemoryStore) SaveQRCode(_ context.Context, qr domain.QRCode) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qrs[qr.ID] = qr
	return nil
}

func (m *MemoryStore) GetQRCode(_ context.Context, id string) (domain.QRCode, bool, error) {
	if err := m.check(); err != nil {
		return domain.QRCode{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	qr, ok := m.qrs[id]
	return qr, ok, nil
}

func (m *MemoryStore) ListQRCodesByOwner(_ context.Context, ownerID string) ([]domain.QRCode, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.QRCode, 0)
	for _, qr := range m.qrs {
		if qr.OwnerID == ownerID {
			res = append(res, qr)
		}
	}
	sortQRCodes(res)
	return res, nil
}

func (m *MemoryStore) ListQRCodes(_ context.Context, since time.Time) ([]domain.QRCode, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.QRCode, 0, len(m.qrs))
	for _, qr := range m.qrs {
		if qr.CreatedAt.After(since) {
			res = append(res, qr)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteQRCode(_ context.Context, id string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.qrs, id)
	return nil
}

// anonymous usage

func (m *MemoryStore) GetUsage(_ context.Context, ip string) (domain.AnonymousUsage, bool, error) {
	if err := m.check(); err != nil {
		return domain.AnonymousUsage{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[ip]
	return u, ok, nil
}

func (m *MemoryStore) SaveUsage(_ context.Context, u domain.AnonymousUsage) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[u.IP] = u
	return nil
}

func (m *MemoryStore) IncrUsage(_ context.Context, ip string, at time.Time) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage[ip]
	u.IP = ip
	u.Count++
	u.UpdatedAt = at
	m.usage[ip] = u
	return u.Count, nil
}

func (m *MemoryStore) ListUsage(_ context.Context, since time.Time) ([]domain.AnonymousUsage, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.AnonymousUsage, 0, len(m.usage))
	for _, u := range m.usage {
		if u.UpdatedAt.After(since) {
			res = append(res, u)
		}
	}
	return res, nil
}

// password reset requests

func (m *MemoryStore) SaveResetRequest(_ context.Context, r domain.PasswordResetRequest) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[r.ID] = r
	return nil
}

func (m *MemoryStore) GetResetRequest(_ context.Context, id string) (domain.PasswordResetRequest, bool, error) {
	if err := m.check(); err != nil {
		return domain.PasswordResetRequest{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resets[id]
	return r, ok, nil
}

func (m *MemoryStore) ListResetRequests(_ context.Context, since time.Time) ([]domain.PasswordResetRequest, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.PasswordResetRequest, 0, len(m.resets))
	for _, r := range m.resets {
		if r.UpdatedAt.After(since) {
			res = append(res, r)
		}
	}
	return res, nil
}
