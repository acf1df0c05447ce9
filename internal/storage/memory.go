package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotsync/gotsync/internal/controller"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	snapshots map[string]memorySnapshot
	watchers  map[string]map[chan Record]struct{}
}

type memorySnapshot struct {
	data      []byte
	updatedAt time.Time
}

// NewMemoryStore creates a store whose snapshots expire after ttl. A
// non-positive ttl selects DefaultSnapshotTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &MemoryStore{
		ttl:       ttl,
		now:       time.Now,
		snapshots: make(map[string]memorySnapshot),
		watchers:  make(map[string]map[chan Record]struct{}),
	}
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, key string, snap controller.Snapshot) error {
	if key == "" {
		return fmt.Errorf("snapshot key cannot be empty")
	}
	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[key] = memorySnapshot{data: data, updatedAt: m.now()}
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, key string) (controller.Snapshot, error) {
	m.mu.Lock()
	s, ok := m.snapshots[key]
	if ok && m.now().Sub(s.updatedAt) > m.ttl {
		delete(m.snapshots, key)
		ok = false
	}
	m.mu.Unlock()

	var snap controller.Snapshot
	if !ok {
		return snap, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := decode(s.data, &snap); err != nil {
		return snap, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Publish delivers rec to current watchers. Slow watchers miss records
// rather than block the publisher.
func (m *MemoryStore) Publish(ctx context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.watchers[key] {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context, key string) (<-chan Record, error) {
	ch := make(chan Record, 64)
	m.mu.Lock()
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan Record]struct{})
	}
	m.watchers[key][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[key], ch)
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
