package store

import (
	"context"
	"fmt"
	"sync"

	"profilehub/pkg/domain"
)

// MemoryStore keeps records in-process. It enforces the same unique
// constraints as the Postgres schema and is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	addresses map[string]domain.Address
	addrOrder []string
	docs      map[string]domain.Document
	docOrder  []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]domain.Account),
		addresses: make(map[string]domain.Address),
		docs:      make(map[string]domain.Document),
	}
}

func (m *MemoryStore) conflict(a domain.Account) error {
	for id, other := range m.accounts {
		if id == a.ID {
			continue
		}
		switch {
		case other.Email == a.Email:
			return fmt.Errorf("%w: email", ErrDuplicateKey)
		case other.Username == a.Username:
			return fmt.Errorf("%w: username", ErrDuplicateKey)
		case a.PhoneNumber != "" && other.PhoneNumber == a.PhoneNumber:
			return fmt.Errorf("%w: phone_number", ErrDuplicateKey)
		}
	}
	return nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, a domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("%w: id", ErrDuplicateKey)
	}
	if err := m.conflict(a); err != nil {
		return err
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, a domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.conflict(a); err != nil {
		return err
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryStore) GetAccountByID(_ context.Context, id string) (domain.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	return a, ok, nil
}

func (m *MemoryStore) GetAccountByEmail(_ context.Context, email string) (domain.Account, bool, error) {
	return m.findAccount(func(a domain.Account) bool { return a.Email == email })
}

func (m *MemoryStore) GetAccountByUsername(_ context.Context, username string) (domain.Account, bool, error) {
	return m.findAccount(func(a domain.Account) bool { return a.Username == username })
}

func (m *MemoryStore) GetAccountByPhone(_ context.Context, phone string) (domain.Account, bool, error) {
	if phone == "" {
		return domain.Account{}, false, nil
	}
	return m.findAccount(func(a domain.Account) bool { return a.PhoneNumber == phone })
}

func (m *MemoryStore) findAccount(match func(domain.Account) bool) (domain.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if match(a) {
			return a, true, nil
		}
	}
	return domain.Account{}, false, nil
}

func (m *MemoryStore) ListAccountsByIDs(_ context.Context, ids []string) ([]domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			res = append(res, a)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListAddresses(_ context.Context, ownerID string) ([]domain.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Address, 0)
	for _, id := range m.addrOrder {
		if a, ok := m.addresses[id]; ok && a.OwnerID == ownerID {
			res = append(res, a)
		}
	}
	return res, nil
}

func (m *MemoryStore) GetAddress(_ context.Context, ownerID, id string) (domain.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.addresses[id]
	if !ok || a.OwnerID != ownerID {
		return domain.Address{}, false, nil
	}
	return a, true, nil
}

func (m *MemoryStore) CreateAddress(_ context.Context, a domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.addresses[a.ID]; exists {
		return fmt.Errorf("%w: id", ErrDuplicateKey)
	}
	m.clearOtherDefaults(a)
	m.addresses[a.ID] = a
	m.addrOrder = append(m.addrOrder, a.ID)
	return nil
}

func (m *MemoryStore) UpdateAddress(_ context.Context, a domain.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.addresses[a.ID]
	if !ok || existing.OwnerID != a.OwnerID {
		return false, nil
	}
	a.CreatedAt = existing.CreatedAt
	m.clearOtherDefaults(a)
	m.addresses[a.ID] = a
	return true, nil
}

// clearOtherDefaults must be called with m.mu held.
func (m *MemoryStore) clearOtherDefaults(a domain.Address) {
	if !a.IsDefault {
		return
	}
	for id, other := range m.addresses {
		if id != a.ID && other.OwnerID == a.OwnerID && other.IsDefault {
			other.IsDefault = false
			m.addresses[id] = other
		}
	}
}

func (m *MemoryStore) DeleteAddress(_ context.Context, ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[id]
	if !ok || a.OwnerID != ownerID {
		return false, nil
	}
	delete(m.addresses, id)
	m.addrOrder = removeID(m.addrOrder, id)
	return true, nil
}

// CreateDocument holds the write lock while persistBlob runs so readers
// never observe a row whose blob write later fails.
func (m *MemoryStore) CreateDocument(_ context.Context, d domain.Document, persistBlob func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[d.ID]; exists {
		return fmt.Errorf("%w: id", ErrDuplicateKey)
	}
	m.docs[d.ID] = d
	m.docOrder = append(m.docOrder, d.ID)
	if persistBlob == nil {
		return nil
	}
	if err := persistBlob(); err != nil {
		delete(m.docs, d.ID)
		m.docOrder = removeID(m.docOrder, d.ID)
		return err
	}
	return nil
}

func (m *MemoryStore) ListDocuments(_ context.Context) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0, len(m.docOrder))
	for _, id := range m.docOrder {
		if d, ok := m.docs[id]; ok {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok, nil
}

func (m *MemoryStore) ClearDocumentFile(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.docs[d.ID]
	if !ok {
		return nil
	}
	existing.FileKey = ""
	if d.UpdatedByID != "" {
		existing.UpdatedByID = d.UpdatedByID
	}
	existing.UpdatedAt = d.UpdatedAt
	m.docs[d.ID] = existing
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
