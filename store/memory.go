package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryItem[T any] struct {
	key   Key
	id    string
	entry Entry[T]
}

// Memory is a thread-safe in-process LRU store. It never fails and never
// expires entries on its own; freshness is decided by the engine.
type Memory[T any] struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*list.Element
	evictList *list.List
}

var _ Store[struct{}] = (*Memory[struct{}])(nil)

// NewMemory creates an in-memory store holding at most capacity entries.
// A capacity of zero or less means unbounded.
func NewMemory[T any](capacity int) *Memory[T] {
	return &Memory[T]{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the entry for key.
func (m *Memory[T]) Get(_ context.Context, key Key) (Entry[T], bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key.String()]
	if !ok {
		return Entry[T]{}, false, nil
	}
	m.evictList.MoveToFront(elem)
	return elem.Value.(*memoryItem[T]).entry, true, nil
}

// Set stores entry under key, replacing any previous entry.
func (m *Memory[T]) Set(_ context.Context, key Key, entry Entry[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := key.String()
	if elem, ok := m.items[id]; ok {
		m.evictList.MoveToFront(elem)
		elem.Value = &memoryItem[T]{key: key, id: id, entry: entry}
		return nil
	}

	if m.capacity > 0 && m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}

	elem := m.evictList.PushFront(&memoryItem[T]{key: key, id: id, entry: entry})
	m.items[id] = elem
	return nil
}

// Entries returns a snapshot of every entry, most recently used first.
func (m *Memory[T]) Entries(_ context.Context) ([]Record[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record[T], 0, m.evictList.Len())
	for elem := m.evictList.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*memoryItem[T])
		out = append(out, Record[T]{Key: item.key, Entry: item.entry})
	}
	return out, nil
}

// Len returns the number of entries currently held.
func (m *Memory[T]) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len(), nil
}

// Clear removes all entries.
func (m *Memory[T]) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	return nil
}

// Prune removes entries stored before cutoff.
func (m *Memory[T]) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for elem := m.evictList.Front(); elem != nil; {
		next := elem.Next()
		item := elem.Value.(*memoryItem[T])
		if item.entry.StoredAt.Before(cutoff) {
			m.evictList.Remove(elem)
			delete(m.items, item.id)
			removed++
		}
		elem = next
	}
	return removed, nil
}

func (m *Memory[T]) removeOldest() {
	elem := m.evictList.Back()
	if elem == nil {
		return
	}
	m.evictList.Remove(elem)
	delete(m.items, elem.Value.(*memoryItem[T]).id)
}
