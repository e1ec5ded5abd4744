package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Transactions are serialized: Begin blocks until the previous transaction
// commits or rolls back.
type MemoryStore struct {
	writer   sync.Mutex // held for the lifetime of a transaction
	mu       sync.RWMutex
	accounts map[keys.PublicKey]*Account
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[keys.PublicKey]*Account),
	}
}

func (m *MemoryStore) Begin(ctx context.Context) (StoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writer.Lock()
	return &memoryTx{
		store:   m,
		pending: make(map[keys.PublicKey]*Account),
	}, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, key keys.PublicKey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner keys.PublicKey, cursor *pagination.Cursor, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		if a.Owner != owner {
			continue
		}
		if cursor != nil && !before(a, cursor) {
			continue
		}
		result = append(result, a.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Key.String() > result[j].Key.String()
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// before reports whether a sorts after the cursor in newest-first order.
func before(a *Account, c *pagination.Cursor) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return a.Key.String() < c.ID
}

func (m *MemoryStore) History(ctx context.Context, key keys.PublicKey, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.From == key || e.To == key {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	pending map[keys.PublicKey]*Account
	entries []*Entry
	done    bool
}

func (t *memoryTx) GetAccount(ctx context.Context, key keys.PublicKey) (*Account, error) {
	if acct, ok := t.pending[key]; ok {
		return acct.Clone(), nil
	}
	return t.store.GetAccount(ctx, key)
}

func (t *memoryTx) InsertAccount(ctx context.Context, acct *Account) error {
	if _, ok := t.pending[acct.Key]; ok {
		return ErrAccountExists
	}
	if _, err := t.store.GetAccount(ctx, acct.Key); err == nil {
		return ErrAccountExists
	}
	t.pending[acct.Key] = acct.Clone()
	return nil
}

func (t *memoryTx) PutAccount(ctx context.Context, acct *Account) error {
	t.pending[acct.Key] = acct.Clone()
	return nil
}

func (t *memoryTx) AppendEntry(ctx context.Context, entry *Entry) error {
	cp := *entry
	t.entries = append(t.entries, &cp)
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.writer.Unlock()

	t.store.mu.Lock()
	for key, acct := range t.pending {
		t.store.accounts[key] = acct
	}
	t.store.entries = append(t.store.entries, t.entries...)
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.writer.Unlock()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
