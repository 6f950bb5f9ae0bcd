// Package cacheindex implements the URL-keyed LRU index that owns the
// cache's StreamBuffers. It bounds the number of live entries, expires
// entries past a TTL, and evicts the least-recently-used entry only after
// its buffer has drained every attached reader.
package cacheindex

import (
	"container/list"
	"sync"
	"time"

	"github.com/eviltik/proxycache/internal/streambuffer"
)

// MaxEntries is the maximum number of entries the index holds at once.
const MaxEntries = 50

// TTL is how long an entry remains eligible for a cache hit after install.
const TTL = 300 * time.Second

// Entry binds a canonical URL key to the buffer that owns its bytes, plus
// the bookkeeping the index needs for LRU and TTL. Entries are handles: the
// index list holds them by pointer and an Entry never moves once allocated,
// so holding a *Entry across a buffer read session is safe even while the
// index mutates other entries.
type Entry struct {
	URL       string
	Buffer    *streambuffer.Buffer
	Timestamp time.Time

	elem *list.Element
}

// Index is the URL-keyed LRU cache of Entry handles. The zero value is not
// usable; construct with New.
type Index struct {
	mu      sync.Mutex
	lru     *list.List // front = MRU, back = LRU victim
	byURL   map[string]*Entry
	maxSize int
	ttl     time.Duration

	evictCond *sync.Cond

	hits        uint64
	misses      uint64
	installs    uint64
	evictions   uint64
	lastActive  time.Time
}

// New builds an empty Index bounded at maxSize entries with the given TTL.
func New(maxSize int, ttl time.Duration) *Index {
	idx := &Index{
		lru:     list.New(),
		byURL:   make(map[string]*Entry),
		maxSize: maxSize,
		ttl:     ttl,
	}
	idx.evictCond = sync.NewCond(&idx.mu)
	return idx
}

// Lookup returns the entry for url if present and not past its TTL. A hit
// promotes the entry to most-recently-used. A TTL-expired entry is
// unlinked on the spot rather than left for a future eviction pass, so the
// index never accumulates duplicate keys across repeated expiries.
func (idx *Index) Lookup(url string) (*Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.byURL[url]
	if !ok {
		idx.misses++
		return nil, false
	}

	if time.Since(e.Timestamp) > idx.ttl {
		idx.unlink(e)
		idx.misses++
		return nil, false
	}

	idx.lru.MoveToFront(e.elem)
	idx.hits++
	idx.lastActive = time.Now()
	return e, true
}

// Install creates a new entry for url bound to buf, evicting the LRU
// victim if the index is at capacity. If a concurrent caller already
// installed url while this caller waited on the lock, Install returns that
// existing entry instead of creating a duplicate, preserving the
// single-flight guarantee: only one caller observes installed == true, and
// only that caller should launch a producer.
func (idx *Index) Install(url string, buf *streambuffer.Buffer) (entry *Entry, installed bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := idx.byURL[url]; ok {
		if time.Since(e.Timestamp) <= idx.ttl {
			idx.lru.MoveToFront(e.elem)
			return e, false
		}
		idx.unlink(e)
	}

	for len(idx.byURL) >= idx.maxSize {
		if !idx.evictHeadLocked() {
			idx.evictCond.Wait()
		}
	}

	e := &Entry{
		URL:       url,
		Buffer:    buf,
		Timestamp: time.Now(),
	}
	e.elem = idx.lru.PushFront(e)
	idx.byURL[url] = e
	idx.installs++
	idx.lastActive = time.Now()
	return e, true
}

// evictHeadLocked attempts to remove the LRU victim (back of the list). It
// reports false without removing anything if the victim still has
// attached readers, in which case the caller must release the lock (via
// evictCond.Wait, which does so internally) and retry once a reader
// detaches and broadcasts.
//
// Must be called with idx.mu held. It never blocks and never releases the
// lock itself; waiting for the victim to drain is left to the caller, so the
// index lock is never held across a blocking wait on buffer state.
func (idx *Index) evictHeadLocked() bool {
	back := idx.lru.Back()
	if back == nil {
		return true
	}
	victim := back.Value.(*Entry)

	if victim.Buffer.ReaderCount() > 0 {
		return false
	}

	idx.unlink(victim)
	idx.evictions++
	return true
}

// unlink removes e from the list and URL index. Caller must hold idx.mu.
func (idx *Index) unlink(e *Entry) {
	idx.lru.Remove(e.elem)
	delete(idx.byURL, e.URL)
}

// NotifyReaderDetached wakes any goroutine blocked in Install waiting for
// an eviction victim's readers to drain. The router calls this right after
// the buffer's DetachReader, which broadcasts only on the buffer's own
// condition variable; this additionally pokes the index's waiter so
// Install's retry loop doesn't sleep past a drained victim.
func (idx *Index) NotifyReaderDetached() {
	idx.mu.Lock()
	idx.evictCond.Broadcast()
	idx.mu.Unlock()
}

// Stats is a point-in-time snapshot of index counters, safe to read
// without holding the caller's own locks.
type Stats struct {
	Count      int
	MaxEntries int
	Hits       uint64
	Misses     uint64
	Installs   uint64
	Evictions  uint64
	LastActive time.Time
}

// Stats returns a snapshot of the index's counters and current size.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return Stats{
		Count:      len(idx.byURL),
		MaxEntries: idx.maxSize,
		Hits:       idx.hits,
		Misses:     idx.misses,
		Installs:   idx.installs,
		Evictions:  idx.evictions,
		LastActive: idx.lastActive,
	}
}

// Evict removes the entry for url unconditionally, waiting for its
// readers to drain first, same as capacity-pressure eviction. Used by the
// admin API's manual eviction endpoint. Reports false if url was not
// present.
//
// The entry is re-fetched by key after every wait rather than reused from
// before the wait: while this call slept, the original entry could have
// expired via TTL and been replaced by a fresh install under the same key.
// The call then evicts whichever entry holds url at that point, and never
// unlinks a stale handle, which would drop the key from the URL map while
// leaving the replacement entry in the LRU list.
func (idx *Index) Evict(url string) bool {
	idx.mu.Lock()
	for {
		e, ok := idx.byURL[url]
		if !ok {
			idx.mu.Unlock()
			return false
		}
		if e.Buffer.ReaderCount() > 0 {
			idx.evictCond.Wait()
			continue
		}
		idx.unlink(e)
		idx.evictions++
		idx.mu.Unlock()
		return true
	}
}
