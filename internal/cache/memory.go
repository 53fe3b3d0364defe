package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
)

// entryOverhead approximates the per-entry bookkeeping cost for MemoryUsage.
const entryOverhead = 256

// MemoryStore is the L1 tier: a bounded map evicting in insertion order.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = oldest insertion
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get returns a copy of the entry and bumps its hit count.
func (s *MemoryStore) Get(key string) (models.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return models.CacheEntry{}, false
	}
	entry := el.Value.(*models.CacheEntry)
	entry.HitCount++
	out := *entry
	out.Result = entry.Result.Clone()
	return out, true
}

// Put stores entry. A rewrite keeps the key's original insertion position.
// Returns the number of entries evicted to stay within capacity.
func (s *MemoryStore) Put(entry models.CacheEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := entry
	stored.Result = entry.Result.Clone()
	if el, ok := s.entries[entry.Key]; ok {
		el.Value = &stored
		return 0
	}
	s.entries[entry.Key] = s.order.PushBack(&stored)

	evicted := 0
	for s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		oldest := s.order.Front()
		s.removeElement(oldest)
		evicted++
	}
	return evicted
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeElement(el)
	}
}

func (s *MemoryStore) removeElement(el *list.Element) {
	entry := s.order.Remove(el).(*models.CacheEntry)
	delete(s.entries, entry.Key)
}

// PruneExpired removes entries that are stale or malformed and returns how many were removed.
func (s *MemoryStore) PruneExpired(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		if !el.Value.(*models.CacheEntry).Valid(now, ttl) {
			s.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MemoryUsage is a rough byte estimate of the stored entries.
func (s *MemoryStore) MemoryUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*models.CacheEntry)
		total += int64(entryOverhead + len(e.Key) + len(e.Result.QuestionID) + len(e.Result.Rationale))
		if e.Result.MisconceptionCategory != nil {
			total += int64(len(*e.Result.MisconceptionCategory))
		}
	}
	return total
}
