package publish

import (
	"sync"
	"time"
)

// Dedup remembers the last payload sent per key. Entries expire after the
// TTL so unchanged values are still republished periodically.
type Dedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]entry
	now  func() time.Time
}

type entry struct {
	payload string
	at      time.Time
}

// NewDedup creates a cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Dedup{ttl: ttl, data: make(map[string]entry, 1024), now: time.Now}
}

// Changed reports whether payload differs from the unexpired value cached for key.
func (d *Dedup) Changed(key, payload string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.data[key]
	if !ok {
		return true
	}
	if d.now().Sub(e.at) > d.ttl {
		delete(d.data, key)
		return true
	}
	return e.payload != payload
}

// Remember stores payload with the current timestamp.
func (d *Dedup) Remember(key, payload string) {
	d.mu.Lock()
	d.data[key] = entry{payload: payload, at: d.now()}
	d.mu.Unlock()
}

// Forget drops every cached value, forcing the next publish of each key.
func (d *Dedup) Forget() {
	d.mu.Lock()
	clear(d.data)
	d.mu.Unlock()
}
