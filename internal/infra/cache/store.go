package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     any
	updatedAt time.Time
}

// store is a TTL plus LRU bounded cache. Writes are last-write-wins;
// a concurrent refresh simply replaces the entry. capacity 0 means
// unbounded.
type store struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	ll       *list.List
	index    map[string]*list.Element
	hits     uint64
	misses   uint64
}

func newStore(ttl time.Duration, capacity int) *store {
	return &store{
		ttl:      ttl,
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (s *store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		s.misses++
		return nil, false
	}
	ent := el.Value.(*entry)
	if time.Since(ent.updatedAt) > s.ttl {
		s.removeLocked(el)
		s.misses++
		return nil, false
	}

	s.ll.MoveToFront(el)
	s.hits++
	return ent.value, true
}

func (s *store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.updatedAt = time.Now()
		s.ll.MoveToFront(el)
		return
	}

	el := s.ll.PushFront(&entry{key: key, value: value, updatedAt: time.Now()})
	s.index[key] = el

	if s.capacity > 0 && s.ll.Len() > s.capacity {
		if oldest := s.ll.Back(); oldest != nil {
			s.removeLocked(oldest)
		}
	}
}

func (s *store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.removeLocked(el)
	}
}

func (s *store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.index = make(map[string]*list.Element)
}

func (s *store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// HitRate reports hits over total lookups since creation; zero lookups
// reports 0.
func (s *store) HitRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.hits + s.misses
	if total == 0 {
		return 0
	}
	return float64(s.hits) / float64(total)
}

func (s *store) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	s.ll.Remove(el)
	delete(s.index, ent.key)
}
