// Package cache holds the most recent window transaction per register range
// so later point-reads inside that range are served without a wire round-trip.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"modbus-gateway/internal/register"
)

var (
	// ErrOutOfRange is a lookup that does not fit inside the cached window.
	ErrOutOfRange = errors.New("cache: address outside cached window")
	// ErrLengthMismatch is a payload whose size disagrees with the window count.
	ErrLengthMismatch = errors.New("cache: payload length does not match window")
)

// Entry is one captured window. Every address of the window maps to the same Entry.
type Entry struct {
	Window   register.Window
	Payload  []byte
	Captured time.Time
	// Err is set when the window transaction failed; the range is known bad.
	Err error
}

// Slice returns the bytes for [address, address+count) from the payload.
func (e *Entry) Slice(address, count uint16) ([]byte, error) {
	if !e.Window.Covers(address, count) {
		return nil, fmt.Errorf("%w: [%d,%d) not in %s", ErrOutOfRange, address, uint32(address)+uint32(count), e.Window)
	}
	if len(e.Payload) != int(e.Window.Count)*2 {
		return nil, fmt.Errorf("%w: %d bytes for %d registers", ErrLengthMismatch, len(e.Payload), e.Window.Count)
	}
	off := int(address-e.Window.Start) * 2
	return e.Payload[off : off+int(count)*2], nil
}

// Status is the outcome of a lookup.
type Status int

const (
	Miss Status = iota
	Hit
	KnownBad
	// Violation is an entry that exists for the address but cannot serve the request.
	Violation
)

func (s Status) String() string {
	switch s {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case KnownBad:
		return "known-bad"
	case Violation:
		return "violation"
	default:
		return "unknown"
	}
}

// Result of a Lookup. Data is set for Hit, Err for KnownBad and Violation.
type Result struct {
	Status Status
	Data   []byte
	Err    error
}

type key struct {
	unit    uint8
	kind    register.Kind
	address uint16
}

// Cache maps register addresses to window entries for one physical connection.
type Cache struct {
	mu      sync.Mutex
	entries map[key]*Entry
}

func New() *Cache {
	return &Cache{entries: make(map[key]*Entry, 256)}
}

// Lookup finds the entry holding address and serves [address, address+count) from it.
func (c *Cache) Lookup(unit uint8, kind register.Kind, address, count uint16) Result {
	c.mu.Lock()
	e, ok := c.entries[key{unit, kind, address}]
	c.mu.Unlock()
	if !ok {
		return Result{Status: Miss}
	}
	if e.Err != nil {
		return Result{Status: KnownBad, Err: e.Err}
	}
	data, err := e.Slice(address, count)
	if err != nil {
		return Result{Status: Violation, Err: err}
	}
	return Result{Status: Hit, Data: data}
}

// Install maps every address of the entry's window to the entry.
func (c *Cache) Install(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := e.Window
	for a := uint32(w.Start); a < w.End(); a++ {
		c.entries[key{w.Unit, w.Kind, uint16(a)}] = e
	}
}

// MarkBad installs an errored entry across the window.
func (c *Cache) MarkBad(w register.Window, err error, at time.Time) {
	c.Install(&Entry{Window: w, Captured: at, Err: err})
}

// Invalidate drops every entry whose window overlaps [start, start+count),
// across all of that window's addresses, so the next read refetches.
func (c *Cache) Invalidate(unit uint8, kind register.Kind, start, count uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.unit == unit && k.kind == kind && e.Window.Overlaps(start, count) {
			delete(c.entries, k)
		}
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len is the number of cached addresses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
