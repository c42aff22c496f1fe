package cache

import (
	"sync"
	"time"
)

// fastTier is the in-process map in front of the durable store. Admission is
// budgeted per module and writes never evict: an entry that does not fit is
// simply not admitted, and expired entries leave only through lazy deletes on
// read or the periodic sweep.
type fastTier struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	bytes    int64
	byModule map[string]int64
}

func newFastTier() *fastTier {
	return &fastTier{
		entries:  make(map[string]*Entry),
		byModule: make(map[string]int64),
	}
}

func (t *fastTier) get(key string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// touch bumps the usage counters in place and returns the updated entry.
func (t *fastTier) touch(key string, now time.Time) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	entry.UseCount++
	entry.LastAccessedAt = now
	return entry.clone(), true
}

// admit stores the entry if the module's footprint stays within budget.
// Replacing an existing entry under the same key frees its bytes first; if
// the replacement no longer fits, the stale copy stays gone.
func (t *fastTier) admit(entry Entry, budget int64) bool {
	size := entry.Size()
	module := entry.Meta.Module

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[entry.Key]; ok {
		t.removeLocked(entry.Key, old)
	}
	if size > budget-t.byModule[module] {
		return false
	}
	stored := entry.clone()
	t.entries[entry.Key] = &stored
	t.bytes += size
	t.byModule[module] += size
	return true
}

func (t *fastTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[key]; ok {
		t.removeLocked(key, entry)
	}
}

func (t *fastTier) deleteModule(module string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, entry := range t.entries {
		if entry.Meta.Module == module {
			t.removeLocked(key, entry)
			removed++
		}
	}
	return removed
}

func (t *fastTier) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*Entry)
	t.byModule = make(map[string]int64)
	t.bytes = 0
}

// sweep removes entries whose TTL has elapsed and reports how many went.
func (t *fastTier) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, entry := range t.entries {
		if entry.Expired(now) {
			t.removeLocked(key, entry)
			removed++
		}
	}
	return removed
}

func (t *fastTier) removeLocked(key string, entry *Entry) {
	size := entry.Size()
	t.bytes -= size
	module := entry.Meta.Module
	if remaining := t.byModule[module] - size; remaining > 0 {
		t.byModule[module] = remaining
	} else {
		delete(t.byModule, module)
	}
	delete(t.entries, key)
}

func (t *fastTier) footprint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytes
}

func (t *fastTier) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
