// Package webhooks delivers escrow events to HTTP endpoints registered by
// escrow parties.
//
// A party (buyer or seller key) registers a URL and receives the events of
// every escrow it takes part in. Payloads are signed with a per-subscription
// HMAC-SHA256 secret that is shown once at registration.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/escrow"
	"github.com/mbd888/settle/internal/keys"
)

var (
	ErrNotFound      = errors.New("webhooks: subscription not found")
	ErrLimitReached  = errors.New("webhooks: subscription limit reached")
	ErrUnknownEvent  = errors.New("webhooks: unknown event type")
	ErrQueueFull     = errors.New("webhooks: delivery queue full")
	ErrDeliveryError = errors.New("webhooks: delivery failed")
)

// MaxSubscriptionsPerOwner bounds how many endpoints one key may register.
const MaxSubscriptionsPerOwner = 10

// EventTypes lists the event types a subscription may select.
var EventTypes = []string{escrow.EventCreated, escrow.EventCompleted}

// ValidEvent reports whether t is a known event type.
func ValidEvent(t string) bool {
	return slices.Contains(EventTypes, t)
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID                  string         `json:"id"`
	Owner               keys.PublicKey `json:"owner"`
	URL                 string         `json:"url"`
	Secret              string         `json:"-"`
	Events              []string       `json:"events"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"createdAt"`
	LastSuccess         *time.Time     `json:"lastSuccess,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Wants reports whether the subscription selects eventType. An empty event
// list selects everything.
func (s *Subscription) Wants(eventType string) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, eventType)
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

// Result is the outcome of one delivery.
type Result struct {
	At time.Time
	// Err is empty on success.
	Err string
	// DisableAfter deactivates the subscription once this many consecutive
	// deliveries have failed. Zero never disables.
	DisableAfter int
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner keys.PublicKey) ([]*Subscription, error)
	// ListActive returns the active subscriptions owned by any of owners.
	ListActive(ctx context.Context, owners ...keys.PublicKey) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	// RecordResult stores a delivery outcome and reports whether it
	// deactivated the subscription.
	RecordResult(ctx context.Context, id string, r Result) (disabled bool, err error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.Owner == sub.Owner {
			n++
		}
	}
	if n >= MaxSubscriptionsPerOwner {
		return ErrLimitReached
	}
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.clone(), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner keys.PublicKey) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			result = append(result, sub.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListActive(_ context.Context, owners ...keys.PublicKey) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && slices.Contains(owners, sub.Owner) {
			result = append(result, sub.clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordResult(_ context.Context, id string, r Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Err == "" {
		at := r.At
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return false, nil
	}
	sub.LastError = r.Err
	sub.ConsecutiveFailures++
	if sub.Active && r.DisableAfter > 0 && sub.ConsecutiveFailures >= r.DisableAfter {
		sub.Active = false
		return true, nil
	}
	return false, nil
}

func sortNewestFirst(subs []*Subscription) {
	slices.SortFunc(subs, func(a, b *Subscription) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
