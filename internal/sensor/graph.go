package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type nodeKind int

const (
	rawNode nodeKind = iota
	computedNode
	externalNode
)

type node struct {
	kind     nodeKind
	key      string
	raw      *RegisterPoint
	computed *ComputedPoint
}

// SourceRef names an input of a computed point by key.
type SourceRef struct {
	Key  string
	Role Role
}

// Emission is a value a computed point produced.
type Emission struct {
	Point  *ComputedPoint
	Sample Sample
}

// Graph assigns point identifiers and routes source values to their consumers.
// Sources must be registered before the computed points that read them, which
// keeps the graph acyclic.
type Graph struct {
	mu    sync.RWMutex
	nodes []node // index is ID; slot 0 unused
	keys  map[string]ID
	edges map[ID][]ID

	now func() time.Time
	log zerolog.Logger
}

func NewGraph(log zerolog.Logger) *Graph {
	return &Graph{
		nodes: make([]node, 1),
		keys:  make(map[string]ID),
		edges: make(map[ID][]ID),
		now:   time.Now,
		log:   log.With().Str("component", "graph").Logger(),
	}
}

func (g *Graph) add(n node) (ID, error) {
	if _, dup := g.keys[n.key]; dup {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateKey, n.key)
	}
	id := ID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.keys[n.key] = id
	return id, nil
}

// AddRegister registers a raw point and assigns its ID.
func (g *Graph) AddRegister(p *RegisterPoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.id != 0 {
		return fmt.Errorf("%w: %s", ErrAssigned, p.Key)
	}
	id, err := g.add(node{kind: rawNode, key: p.Key, raw: p})
	if err != nil {
		return err
	}
	p.id = id
	return nil
}

// AddExternal registers a pseudo source fed by Deliver.
func (g *Graph) AddExternal(key string) (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(node{kind: externalNode, key: key})
}

// AddComputed registers c and wires it to sources, which must already exist.
func (g *Graph) AddComputed(c *ComputedPoint, sources []SourceRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.id != 0 {
		return fmt.Errorf("%w: %s", ErrAssigned, c.Key)
	}
	ids := make([]ID, len(sources))
	for i, s := range sources {
		id, ok := g.keys[s.Key]
		if !ok {
			return fmt.Errorf("%w: %s reads %s", ErrUnknownSource, c.Key, s.Key)
		}
		ids[i] = id
	}
	id, err := g.add(node{kind: computedNode, key: c.Key, computed: c})
	if err != nil {
		return err
	}
	c.id = id
	c.mu.Lock()
	for i, s := range sources {
		c.addSource(ids[i], s.Key, s.Role)
	}
	c.mu.Unlock()
	for _, src := range ids {
		g.edges[src] = append(g.edges[src], id)
	}
	return nil
}

// Consumers returns the computed points fed by id.
func (g *Graph) Consumers(id ID) []*ComputedPoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*ComputedPoint, 0, len(g.edges[id]))
	for _, c := range g.edges[id] {
		out = append(out, g.nodes[c].computed)
	}
	return out
}

// HasConsumers reports whether any computed point reads id.
func (g *Graph) HasConsumers(id ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges[id]) > 0
}

// Lookup resolves a key to its ID.
func (g *Graph) Lookup(key string) (ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.keys[key]
	return id, ok
}

// Computed returns every computed point in registration order.
func (g *Graph) Computed() []*ComputedPoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*ComputedPoint
	for _, n := range g.nodes[1:] {
		if n.kind == computedNode {
			out = append(out, n.computed)
		}
	}
	return out
}

// Forward feeds a sample of id to its consumers and, transitively, to the
// consumers of whatever they emit. Text samples feed nothing.
func (g *Graph) Forward(id ID, s Sample) []Emission {
	if s.IsText {
		return nil
	}
	var out []Emission
	g.forward(id, s.Value, s.Time, &out)
	return out
}

func (g *Graph) forward(id ID, v float64, at time.Time, out *[]Emission) {
	for _, c := range g.Consumers(id) {
		emitted, ok, err := c.Update(id, v, at)
		if err != nil {
			g.log.Warn().Err(err).Str("point", c.Key).Msg("update rejected")
			continue
		}
		if !ok {
			continue
		}
		*out = append(*out, Emission{Point: c, Sample: emitted})
		g.forward(c.ID(), emitted.Value, at, out)
	}
}

// Deliver feeds an externally pushed value into the graph.
func (g *Graph) Deliver(key string, value float64) ([]Emission, error) {
	g.mu.RLock()
	id, ok := g.keys[key]
	var kind nodeKind
	if ok {
		kind = g.nodes[id].kind
	}
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	if kind != externalNode {
		return nil, fmt.Errorf("%w: %s is not an external source", ErrWrongKind, key)
	}
	var out []Emission
	g.forward(id, value, g.now(), &out)
	return out, nil
}

// RunRollover resets daily accounting baselines at every local midnight until
// ctx is done.
func (g *Graph) RunRollover(ctx context.Context, loc *time.Location) {
	for {
		next := NextMidnight(g.now(), loc)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case at := <-timer.C:
			g.rollover(at)
		}
	}
}

func (g *Graph) rollover(at time.Time) {
	for _, c := range g.Computed() {
		if a, ok := c.Rule().(*Accounting); ok && a.Period == Daily {
			a.Rollover(at)
			g.log.Info().Str("point", c.Key).Msg("daily baseline rolled over")
		}
	}
}
