package sensor

import (
	"fmt"
	"sync"
	"time"
)

// Role says how a source contributes to a computed point.
type Role int

const (
	// Mandatory sources are always enabled.
	Mandatory Role = iota
	// Primary sources are optional and expected to report periodically.
	Primary
	// Failover sources substitute for silent primaries.
	Failover
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Failover:
		return "failover"
	default:
		return "mandatory"
	}
}

// ParseRole maps config text to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "mandatory":
		return Mandatory, nil
	case "primary", "optional":
		return Primary, nil
	case "failover":
		return Failover, nil
	}
	return 0, fmt.Errorf("sensor: unknown source role %q", s)
}

// Source is one input of a computed point.
type Source struct {
	ID      ID
	Key     string
	Role    Role
	enabled bool
}

func (s *Source) Enabled() bool { return s.enabled }

// Range is the physical sanity range emitted values are clamped to.
type Range struct {
	Min, Max float64
	Set      bool
}

func (r Range) clamp(v float64) float64 {
	if !r.Set {
		return v
	}
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// ComputedPoint combines values from its sources. Each enabled source fills
// one accumulator slot; the first value in a slot wins until the point emits,
// which clears every slot.
type ComputedPoint struct {
	Point

	mu      sync.Mutex
	rule    Rule
	sources []*Source
	acc     map[ID]float64
	Range   Range
}

func NewComputedPoint(key, name string, rule Rule) *ComputedPoint {
	return &ComputedPoint{
		Point: Point{Key: key, Name: name, Scale: 1, Precision: -1, publishable: true},
		rule:  rule,
		acc:   make(map[ID]float64),
	}
}

func (c *ComputedPoint) Rule() Rule { return c.rule }

// Sources returns a snapshot of the sources.
func (c *ComputedPoint) Sources() []Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Source, len(c.sources))
	for i, s := range c.sources {
		out[i] = *s
	}
	return out
}

func (c *ComputedPoint) addSource(id ID, key string, role Role) {
	c.sources = append(c.sources, &Source{ID: id, Key: key, Role: role, enabled: role != Failover})
}

func (c *ComputedPoint) source(id ID) *Source {
	for _, s := range c.sources {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// setEnabled toggles every source with role r and drops their pending slots.
func (c *ComputedPoint) setEnabled(r Role, on bool) {
	for _, s := range c.sources {
		if s.Role == r {
			c.enable(s, on)
		}
	}
}

func (c *ComputedPoint) enable(s *Source, on bool) {
	if s.enabled == on {
		return
	}
	s.enabled = on
	delete(c.acc, s.ID)
}

func (c *ComputedPoint) complete() bool {
	n := 0
	for _, s := range c.sources {
		if !s.enabled {
			continue
		}
		if _, ok := c.acc[s.ID]; !ok {
			return false
		}
		n++
	}
	return n > 0
}

// inputs returns the filled values of enabled sources in declaration order.
func (c *ComputedPoint) inputs() []float64 {
	out := make([]float64, 0, len(c.sources))
	for _, s := range c.sources {
		if v, ok := c.acc[s.ID]; ok && s.enabled {
			out = append(out, v)
		}
	}
	return out
}

// Update feeds a value from source id. It returns the emitted sample when the
// update completes the accumulator.
func (c *ComputedPoint) Update(id ID, value float64, at time.Time) (Sample, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src := c.source(id)
	if src == nil {
		return Sample{}, false, fmt.Errorf("%w: %d into %s", ErrUnknownSource, id, c.Key)
	}
	c.rule.observe(c, src, value, at)
	if !src.enabled {
		return Sample{}, false, nil
	}
	if _, filled := c.acc[id]; !filled {
		c.acc[id] = value
	}
	if !c.complete() {
		return Sample{}, false, nil
	}

	v, ok := c.rule.compute(c, c.inputs(), at)
	clear(c.acc)
	if !ok {
		return Sample{}, false, nil
	}
	s := Sample{Time: at, Value: c.Round(c.Range.clamp(v * c.scale()))}
	c.record(s)
	return s, true, nil
}

func (c *ComputedPoint) scale() float64 {
	if c.Scale == 0 {
		return 1
	}
	return c.Scale
}

// Pending is the number of filled accumulator slots.
func (c *ComputedPoint) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acc)
}

// LastSample is Last under the point lock.
func (c *ComputedPoint) LastSample() (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Last()
}

// Apply re-applies a configuration override.
func (c *ComputedPoint) Apply(o Override) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Publish != nil {
		c.publishable = *o.Publish
	}
}

// IsPublishable is Publishable under the point lock.
func (c *ComputedPoint) IsPublishable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishable
}
