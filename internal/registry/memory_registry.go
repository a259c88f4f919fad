package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryRegistry is an in-process Registry, used when Redis is disabled.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*memoryEntry
}

// NewMemoryRegistry creates an in-memory registry whose entries expire after
// ttl without a heartbeat.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryRegistry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// live returns the unexpired entry for id. Callers hold mu.
func (m *MemoryRegistry) live(id string) (*memoryEntry, bool) {
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return nil, false
	}
	return e, true
}

func (m *MemoryRegistry) Register(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(rec.SessionID); ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, rec.SessionID)
	}
	now := m.now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.LastHeartbeat = now
	m.entries[rec.SessionID] = &memoryEntry{rec: *rec, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryRegistry) Heartbeat(ctx context.Context, sessionID string, hb Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	now := m.now()
	e.rec.apply(hb)
	e.rec.LastHeartbeat = now
	e.expiresAt = now.Add(m.ttl)
	return nil
}

func (m *MemoryRegistry) Unregister(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(sessionID); !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.entries, sessionID)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, sessionID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	rec := e.rec
	return &rec, nil
}

// List returns live sessions ordered by start time.
func (m *MemoryRegistry) List(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]*Record, 0, len(m.entries))
	for id := range m.entries {
		if e, ok := m.live(id); ok {
			rec := e.rec
			recs = append(recs, &rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
	return recs, nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}
