package webhook

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduplicator remembers delivery ids for a bounded time
type Deduplicator struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
}

// NewDeduplicator keeps up to size ids for ttl each
func NewDeduplicator(size int, ttl time.Duration) *Deduplicator {
	return &Deduplicator{seen: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

// Claim records id and reports whether it was new. An empty id is always new.
func (d *Deduplicator) Claim(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(id) {
		return false
	}
	d.seen.Add(id, time.Now())
	return true
}

// Release forgets id so a redelivery is processed again
func (d *Deduplicator) Release(id string) {
	if id != "" {
		d.seen.Remove(id)
	}
}

// Len returns the number of remembered ids
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
