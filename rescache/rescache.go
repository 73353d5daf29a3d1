package rescache

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrEntryTooLarge is returned by Put when a single value exceeds the
// cache's total byte capacity. The caller may still use the value, it
// just won't be cached.
var ErrEntryTooLarge = errors.New("cache entry exceeds byte capacity")

// EvictCallback is invoked for every entry removed from the store,
// whether by LRU pressure, TTL expiry, replacement, or explicit
// invalidation. It runs after the store lock has been released, so it
// may perform I/O or call back into the Store.
type EvictCallback func(key string, size int64)

type Options struct {
	// MaxEntries bounds the number of live entries. Zero means unbounded.
	MaxEntries int
	// MaxBytes bounds the aggregate size of stored values. Zero means unbounded.
	MaxBytes int64
	// DefaultTTL applies when Put is called with a zero TTL. Zero means
	// entries without an explicit TTL never expire.
	DefaultTTL time.Duration
	OnEvict    EvictCallback
}

func DefaultOptions() *Options {
	return &Options{
		MaxEntries: 1000,
		MaxBytes:   100 * 1024 * 1024,
		DefaultTTL: 5 * time.Minute,
	}
}

type entry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	size      int64
	hits      int64
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a bounded, thread-safe result cache with LRU eviction and
// per-entry TTLs. An expired entry is a miss for all readers even if
// it has not been physically removed yet.
type Store struct {
	lk      sync.Mutex
	opts    Options
	entries map[string]*entry
	order   *list.List // front is most recently used
	bytes   int64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

func NewStore(opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxEntries < 0 || opts.MaxBytes < 0 {
		return nil, fmt.Errorf("cache capacity must not be negative")
	}
	return &Store{
		opts:    *opts,
		entries: make(map[string]*entry),
		order:   list.New(),
	}, nil
}

// Get returns the cached value for key, if present and not expired.
// A hit refreshes the entry's recency and hit count.
func (s *Store) Get(key string) ([]byte, bool) {
	var removed []*entry
	defer func() { s.notifyRemoved(removed) }()
	s.lk.Lock()
	defer s.lk.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		cacheMisses.Inc()
		return nil, false
	}
	if e.expired(time.Now()) {
		removed = s.removeLocked(removed, e, &s.expirations)
		cacheExpirations.Inc()
		s.misses++
		cacheMisses.Inc()
		return nil, false
	}
	e.hits++
	s.order.MoveToFront(e.elem)
	s.hits++
	cacheHits.Inc()
	return e.value, true
}

// Put inserts or replaces the entry for key. A zero ttl falls back to
// the configured DefaultTTL; a negative ttl means no expiry. Least
// recently used entries are evicted until the new entry fits within
// both capacity bounds.
func (s *Store) Put(key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if s.opts.MaxBytes > 0 && size > s.opts.MaxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, s.opts.MaxBytes)
	}
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	now := time.Now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	var removed []*entry
	defer func() { s.notifyRemoved(removed) }()
	s.lk.Lock()
	defer s.lk.Unlock()

	if old, ok := s.entries[key]; ok {
		removed = s.removeLocked(removed, old, nil)
	}

	// make room before admitting the new entry
	for (s.opts.MaxEntries > 0 && len(s.entries) >= s.opts.MaxEntries) ||
		(s.opts.MaxBytes > 0 && s.bytes+size > s.opts.MaxBytes) {
		back := s.order.Back()
		if back == nil {
			break
		}
		removed = s.removeLocked(removed, back.Value.(*entry), &s.evictions)
		cacheEvictions.Inc()
	}

	e := &entry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: expires,
		size:      size,
	}
	e.elem = s.order.PushFront(e)
	s.entries[key] = e
	s.bytes += size
	cacheBytes.Set(float64(s.bytes))
	cacheEntries.Set(float64(len(s.entries)))
	return nil
}

// Invalidate removes an entry if present and reports whether anything
// was removed. Safe to call for absent keys.
func (s *Store) Invalidate(key string) bool {
	var removed []*entry
	defer func() { s.notifyRemoved(removed) }()
	s.lk.Lock()
	defer s.lk.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	removed = s.removeLocked(removed, e, nil)
	return true
}

// InvalidatePrefix removes every entry whose key starts with prefix
// and returns the number removed. Used for bulk invalidation, e.g.
// dropping all cached results for a table after ingestion.
func (s *Store) InvalidatePrefix(prefix string) int {
	var removed []*entry
	defer func() { s.notifyRemoved(removed) }()
	s.lk.Lock()
	defer s.lk.Unlock()

	var doomed []*entry
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, e)
		}
	}
	for _, e := range doomed {
		removed = s.removeLocked(removed, e, nil)
	}
	return len(doomed)
}

// Purge sweeps out entries whose TTL has elapsed and returns the
// number removed. Expiry is otherwise handled lazily on access, so
// this only matters for reclaiming memory from cold entries.
func (s *Store) Purge() int {
	now := time.Now()

	var removed []*entry
	defer func() { s.notifyRemoved(removed) }()
	s.lk.Lock()
	defer s.lk.Unlock()

	var doomed []*entry
	for _, e := range s.entries {
		if e.expired(now) {
			doomed = append(doomed, e)
		}
	}
	for _, e := range doomed {
		removed = s.removeLocked(removed, e, &s.expirations)
		cacheExpirations.Inc()
	}
	return len(doomed)
}

// Clear drops every entry.
func (s *Store) Clear() {
	var removed []*entry
	defer func() { s.notifyRemoved(removed) }()
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, e := range s.entries {
		removed = append(removed, e)
	}
	s.entries = make(map[string]*entry)
	s.order.Init()
	s.bytes = 0
	cacheBytes.Set(0)
	cacheEntries.Set(0)
}

type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	HitRate     float64 `json:"hit_rate_percent"`
}

// Stats returns a snapshot of the store's counters since process start.
func (s *Store) Stats() Stats {
	s.lk.Lock()
	defer s.lk.Unlock()

	st := Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Entries:     len(s.entries),
		Bytes:       s.bytes,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total) * 100
	}
	return st
}

// removeLocked detaches an entry from the store and appends it to
// removed for OnEvict dispatch once the lock is dropped. Eviction
// order is least recently used first, with ties falling back to
// oldest creation time (list order already reflects insertion order
// for untouched entries).
func (s *Store) removeLocked(removed []*entry, e *entry, counter *uint64) []*entry {
	delete(s.entries, e.key)
	s.order.Remove(e.elem)
	s.bytes -= e.size
	if counter != nil {
		*counter++
	}
	cacheBytes.Set(float64(s.bytes))
	cacheEntries.Set(float64(len(s.entries)))
	return append(removed, e)
}

// notifyRemoved fires OnEvict for each detached entry. Callers must
// not hold the store lock; the callback may do I/O (e.g. a quota
// release round trip) or re-enter the Store.
func (s *Store) notifyRemoved(removed []*entry) {
	if s.opts.OnEvict == nil {
		return
	}
	for _, e := range removed {
		s.opts.OnEvict(e.key, e.size)
	}
}
