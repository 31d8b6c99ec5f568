package cache

import (
	"container/list"
	"sync"
	"time"
)

// Memory is the bounded in-process tier. Inserting past the byte budget
// evicts entries in insertion order until the new entry fits. This is an
// approximate recency policy, not a strict LRU: reads do not reorder entries.
// Callers requiring true LRU must replace this policy.
type Memory struct {
	budget int64

	mu      sync.Mutex
	used    int64
	entries map[string]*list.Element
	order   *list.List
}

type memoryEntry struct {
	key       string
	payload   []byte
	expiresAt time.Time
	size      int64
}

// NewMemory builds an L1 tier bounded by budgetBytes.
func NewMemory(budgetBytes int64) *Memory {
	if budgetBytes <= 0 {
		budgetBytes = 16 << 20
	}
	return &Memory{
		budget:  budgetBytes,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the payload for key, or a miss when absent or expired. Expired
// entries are removed on read.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.removeLocked(elem)
		return nil, false
	}
	return entry.payload, true
}

// Set stores the payload under key, evicting oldest-inserted entries until
// the budget holds. Returns the number of evictions performed. A payload
// larger than the whole budget is rejected.
func (m *Memory) Set(key string, payload []byte, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	size := int64(len(key) + len(payload))
	if size > m.budget {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}

	evicted := 0
	for m.used+size > m.budget {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest)
		evicted++
	}

	entry := &memoryEntry{
		key:       key,
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
		size:      size,
	}
	m.entries[key] = m.order.PushBack(entry)
	m.used += size
	return evicted
}

// Delete removes key if present.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}
}

// Clear drops every entry. Tag invalidation clears L1 wholesale rather than
// tracking per-tag membership in process memory.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.order.Init()
	m.used = 0
}

// Len reports the number of resident entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// UsedBytes reports the tracked payload size estimate.
func (m *Memory) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *Memory) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	m.order.Remove(elem)
	delete(m.entries, entry.key)
	m.used -= entry.size
}
