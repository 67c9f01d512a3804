package ingest

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/planora/realtime/internal/transport"
)

// recencySet is a bounded set of recently seen event keys with TTL
// eviction. Entries expire after ttl or when the set exceeds maxEntries,
// oldest first. Duplicate delivery on reconnect/retry lands well inside
// the window, so expired keys are safe to forget.
type recencySet struct {
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
	order      []recencyEntry
	now        func() time.Time
}

type recencyEntry struct {
	key string
	at  time.Time
}

func newRecencySet(ttl time.Duration, maxEntries int) *recencySet {
	return &recencySet{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// Observe records key and reports whether it was already present.
func (r *recencySet) Observe(key string) (duplicate bool) {
	now := r.now()
	r.evict(now)
	if at, ok := r.seen[key]; ok && now.Sub(at) < r.ttl {
		return true
	}
	r.seen[key] = now
	r.order = append(r.order, recencyEntry{key: key, at: now})
	return false
}

func (r *recencySet) evict(now time.Time) {
	idx := 0
	for idx < len(r.order) {
		head := r.order[idx]
		expired := now.Sub(head.at) >= r.ttl
		over := len(r.order)-idx > r.maxEntries
		if !expired && !over {
			break
		}
		// Only delete from the map if this entry is still the live one.
		if at, ok := r.seen[head.key]; ok && at.Equal(head.at) {
			delete(r.seen, head.key)
		}
		idx++
	}
	if idx == 0 {
		return
	}
	r.order = r.order[idx:]
	// Re-slicing pins the original backing array; copy once the dead
	// prefix dominates so a long-lived set does not grow without bound.
	if cap(r.order) > 2*(len(r.order)+1) && cap(r.order) > r.maxEntries {
		r.order = append([]recencyEntry(nil), r.order...)
	}
}

// dedupKey returns the canonical identity of a frame: the server-assigned
// id when present, otherwise an FNV-1a hash over the identifying fields.
func dedupKey(f transport.Frame) string {
	if f.ID != "" {
		return f.ID
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s", f.Type, f.EntityID, f.OrderKey(), f.Payload)
	return fmt.Sprintf("h:%x", h.Sum64())
}
