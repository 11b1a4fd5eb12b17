// Package transport wraps the wire client of one physical connection with the
// read-ahead window cache.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/cache"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/register"
)

// ErrKnownBad marks a point-read answered from an errored window entry.
var ErrKnownBad = errors.New("transport: window known bad this cycle")

// Transport issues register transactions for one connection. Callers hold the
// connection lock around every method that touches the wire.
type Transport struct {
	key     string
	wire    Wire
	cache   *cache.Cache
	metrics *metrics.Collector
	log     zerolog.Logger
	now     func() time.Time

	connected bool
}

func New(key string, wire Wire, m *metrics.Collector, log zerolog.Logger) *Transport {
	if m == nil {
		m = metrics.NewCollector(metrics.DefaultLockTimeout, log)
	}
	return &Transport{
		key:     key,
		wire:    wire,
		cache:   cache.New(),
		metrics: m,
		log:     log.With().Str("conn", key).Logger(),
		now:     time.Now,
	}
}

// Key is the connection key this transport talks to.
func (t *Transport) Key() string { return t.key }

// Cache exposes the window cache, mostly for inspection in tests.
func (t *Transport) Cache() *cache.Cache { return t.cache }

func (t *Transport) Connect() error {
	if t.connected {
		return nil
	}
	if err := t.wire.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", t.key, err)
	}
	t.connected = true
	return nil
}

func (t *Transport) Close() error {
	t.cache.Clear()
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.wire.Close()
}

func (t *Transport) Connected() bool { return t.connected }

// BeginCycle forgets the previous cycle's windows.
func (t *Transport) BeginCycle() { t.cache.Clear() }

// ReadWindow issues one transaction for w and installs the result in the cache.
// On failure every address of w is marked known bad.
func (t *Transport) ReadWindow(w register.Window) error {
	if !t.connected {
		return ErrDisconnected
	}
	start := t.now()
	data, err := t.wire.Read(w.Unit, w.Kind, w.Start, w.Count)
	latency := t.now().Sub(start)
	if err == nil && len(data) != int(w.Count)*2 {
		err = fmt.Errorf("%w: got %d bytes for %d registers", cache.ErrLengthMismatch, len(data), w.Count)
	}
	if err != nil {
		t.metrics.Error()
		t.cache.MarkBad(w, err, start)
		return fmt.Errorf("read window %s: %w", w, err)
	}
	t.metrics.WindowFill(latency)
	t.cache.Install(&cache.Entry{Window: w, Payload: data, Captured: start})
	return nil
}

// ReadPoint returns the payload for [address, address+count), from the cache
// when a valid window covers it and from the wire otherwise.
func (t *Transport) ReadPoint(unit uint8, kind register.Kind, address, count uint16) ([]byte, error) {
	r := t.cache.Lookup(unit, kind, address, count)
	switch r.Status {
	case cache.Hit:
		t.metrics.CacheHit()
		return r.Data, nil
	case cache.KnownBad:
		return nil, fmt.Errorf("%w: %w", ErrKnownBad, r.Err)
	case cache.Violation:
		t.log.Debug().Err(r.Err).Uint8("unit", unit).Uint16("address", address).Uint16("count", count).
			Msg("cache cannot serve read, falling through")
	}

	if !t.connected {
		return nil, ErrDisconnected
	}
	start := t.now()
	data, err := t.wire.Read(unit, kind, address, count)
	if err != nil {
		t.metrics.Error()
		return nil, fmt.Errorf("read %s@%d x%d unit=%d: %w", kind, address, count, unit, err)
	}
	t.metrics.LiveRead(t.now().Sub(start))
	return data, nil
}

// Write stores payload at address and bypasses the cached holding range so
// the next reader refetches.
func (t *Transport) Write(unit uint8, address uint16, payload []byte) error {
	if !t.connected {
		return ErrDisconnected
	}
	start := t.now()
	if err := t.wire.Write(unit, address, payload); err != nil {
		t.metrics.Error()
		return fmt.Errorf("write holding@%d unit=%d: %w", address, unit, err)
	}
	t.metrics.Write(t.now().Sub(start))
	t.Bypass(unit, register.Holding, address, uint16(len(payload)/2))
	return nil
}

// Bypass invalidates a cached range.
func (t *Transport) Bypass(unit uint8, kind register.Kind, start, count uint16) {
	t.cache.Invalidate(unit, kind, start, count)
}
