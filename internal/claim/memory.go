package claim

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is how long expired or used tokens are kept before the sweep drops them.
const DefaultRetention = 24 * time.Hour

// MemoryStore keeps tokens in process memory. Tokens do not survive a restart.
type MemoryStore struct {
	mu        sync.Mutex
	tokens    map[string]*Token
	byOrder   map[string]string
	retention time.Duration
}

// NewMemoryStore returns an empty store. retention <= 0 means DefaultRetention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		tokens:    map[string]*Token{},
		byOrder:   map[string]string{},
		retention: retention,
	}
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, t Token) (*Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byOrder[t.OrderID]; ok {
		return m.copyOf(existing), false, nil
	}
	m.tokens[t.Token] = &t
	m.byOrder[t.OrderID] = t.Token
	return m.copyOf(t.Token), true, nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyOf(token), nil
}

func (m *MemoryStore) ForOrder(_ context.Context, orderID string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	return m.copyOf(token), nil
}

func (m *MemoryStore) Consume(_ context.Context, token string, now time.Time) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	if err := t.Check(now); err != nil {
		return nil, err
	}
	t.Used = true
	usedAt := now
	t.UsedAt = &usedAt
	return m.copyOf(token), nil
}

// caller holds mu
func (m *MemoryStore) copyOf(token string) *Token {
	t, ok := m.tokens[token]
	if !ok {
		return nil
	}
	out := *t
	if t.UsedAt != nil {
		usedAt := *t.UsedAt
		out.UsedAt = &usedAt
	}
	return &out
}

// Sweep drops tokens whose expiry lies more than the retention window before now and
// returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.retention)
	removed := 0
	for key, t := range m.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.tokens, key)
			if m.byOrder[t.OrderID] == key {
				delete(m.byOrder, t.OrderID)
			}
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// Run sweeps every interval until ctx is done. interval <= 0 means a quarter of the retention.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = m.retention / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				log.Debug("claim_tokens_swept", zap.Int("removed", n))
			}
		}
	}
}
