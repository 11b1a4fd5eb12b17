// Package topology turns configuration into running parts: device trees with
// their points, the dataflow graph, one transport per connection and one
// poller per top-level device.
//
// Top-level devices on one connection get separate pollers sharing that
// connection's transport and lock. Their cycles never overlap and each one
// starts from an empty window cache, so registers of sibling devices are
// never coalesced into one window or read in the same cycle.
package topology

import (
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/lock"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/register"
	"modbus-gateway/internal/scheduler"
	"modbus-gateway/internal/sensor"
	"modbus-gateway/internal/transport"
)

const defaultSilence = 5 * time.Minute

// Deps are the shared services a topology is built on.
type Deps struct {
	Locks     *lock.Registry
	Metrics   *metrics.Collector
	Publisher *publish.Publisher
	Store     sensor.StateStore // nil disables accounting persistence
	Log       zerolog.Logger
	// NewWire overrides wire construction, mostly for tests.
	NewWire func(transport.Settings) (transport.Wire, error)
}

// Topology is a built configuration.
type Topology struct {
	Graph      *sensor.Graph
	Pollers    []*scheduler.Poller
	Transports []*transport.Transport

	external map[string]string // topic -> key
	writable []string
	loc      *time.Location
	pub      *publish.Publisher
	log      zerolog.Logger
}

type builder struct {
	cfg     config.Root
	deps    Deps
	t       *Topology
	devices map[string]*sensor.Device
	skipped map[string]bool
	now     time.Time
}

// Build constructs the topology. Points and computed points whose capability
// requirements the device does not meet are left out, along with every
// computed point that depends on them.
func Build(cfg config.Root, deps Deps) (*Topology, error) {
	if deps.Locks == nil {
		deps.Locks = lock.NewRegistry()
	}
	if deps.NewWire == nil {
		deps.NewWire = transport.NewWire
	}
	b := &builder{
		cfg:  cfg,
		deps: deps,
		t: &Topology{
			Graph:    sensor.NewGraph(deps.Log),
			external: make(map[string]string),
			loc:      cfg.Gateway.Location(),
			pub:      deps.Publisher,
			log:      deps.Log.With().Str("component", "topology").Logger(),
		},
		devices: make(map[string]*sensor.Device),
		skipped: make(map[string]bool),
		now:     time.Now(),
	}
	for _, conn := range cfg.Connections {
		if err := b.connection(conn); err != nil {
			return nil, err
		}
	}
	for _, e := range cfg.External {
		if _, err := b.t.Graph.AddExternal(e.Key); err != nil {
			return nil, err
		}
		b.t.external[e.Topic] = e.Key
	}
	for _, cp := range cfg.Computed {
		if err := b.computed(cp); err != nil {
			return nil, err
		}
	}
	return b.t, nil
}

func (b *builder) options() scheduler.Options {
	g := b.cfg.Gateway
	return scheduler.Options{
		MaxGap:        g.MaxGap,
		MaxReconnects: g.MaxReconnects,
		LockTimeout:   g.LockTimeout,
		Tick:          g.Tick,
		Backoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = g.Backoff.Initial
			eb.MaxInterval = g.Backoff.Max
			eb.MaxElapsedTime = 0
			return eb
		},
	}
}

func (b *builder) connection(c config.Connection) error {
	settings := transport.Settings{
		Protocol:   c.Protocol,
		Host:       c.Host,
		Port:       c.Port,
		SerialPort: c.SerialPort,
		BaudRate:   c.BaudRate,
		DataBits:   c.DataBits,
		StopBits:   c.StopBits,
		Parity:     c.Parity,
		Timeout:    c.Timeout,
	}
	if b.cfg.Gateway.DryRun {
		settings.Protocol = "dry-run"
	}
	var wire transport.Wire = transport.NewDryRunWire()
	if settings.Key() != lock.NoConnection {
		w, err := b.deps.NewWire(settings)
		if err != nil {
			return fmt.Errorf("connection %s: %w", c.ID, err)
		}
		wire = w
	}
	key := settings.Key()
	conn := transport.New(key, wire, b.deps.Metrics, b.deps.Log)
	b.t.Transports = append(b.t.Transports, conn)
	l := b.deps.Locks.Get(key)

	for _, dc := range c.Devices {
		root, err := b.device(dc)
		if err != nil {
			return err
		}
		b.t.Pollers = append(b.t.Pollers, scheduler.New(conn, l, root, b.t.Graph, b.deps.Publisher, b.options(), b.deps.Log))
	}
	return nil
}

func (b *builder) device(dc config.Device) (*sensor.Device, error) {
	d := sensor.NewDevice(dc.ID, dc.Name, dc.UnitID, sensor.NewTags(dc.Capabilities...))
	b.devices[dc.ID] = d
	for _, pc := range dc.Points {
		if !d.Capabilities.Has(pc.Requires...) {
			b.skip(pc.Key, "device lacks capability")
			continue
		}
		p, err := newPoint(dc.UnitID, pc)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		if err := b.t.Graph.AddRegister(p); err != nil {
			return nil, err
		}
		d.AddPoint(p)
		if pc.Writable && p.Kind == register.Holding {
			b.t.writable = append(b.t.writable, p.Key)
		}
	}
	for _, cc := range dc.Children {
		child, err := b.device(cc)
		if err != nil {
			return nil, err
		}
		d.AddChild(child)
	}
	return d, nil
}

func (b *builder) skip(key, why string) {
	b.skipped[key] = true
	b.t.log.Info().Str("point", key).Msg(why + ", skipped")
}

func newPoint(unit uint8, pc config.Point) (*sensor.RegisterPoint, error) {
	kind, err := register.ParseKind(pc.RegisterType)
	if err != nil {
		return nil, fmt.Errorf("point %s: %w", pc.Key, err)
	}
	enc, err := register.ParseEncoding(pc.DataType)
	if err != nil {
		return nil, fmt.Errorf("point %s: %w", pc.Key, err)
	}
	p := sensor.NewRegisterPoint(pc.Key, pc.Name, unit, kind, pc.Address, pc.Count, enc)
	p.ByteOrder = pc.ByteOrder
	p.Scale = pc.Scale
	p.Unit = pc.Unit
	p.Interval = pc.Interval
	if pc.Precision != nil {
		p.Precision = *pc.Precision
	}
	if pc.Publish != nil {
		p.SetPublishable(*pc.Publish)
	}
	return p, nil
}

func (b *builder) computed(cc config.Computed) error {
	if cc.Device != "" {
		if d := b.devices[cc.Device]; d == nil || !d.Capabilities.Has(cc.Requires...) {
			b.skip(cc.Key, "device lacks capability")
			return nil
		}
	}
	sources := make([]sensor.SourceRef, 0, len(cc.Sources))
	for _, s := range cc.Sources {
		if b.skipped[s.Key] {
			b.skip(cc.Key, "source "+s.Key+" unavailable")
			return nil
		}
		role, err := sensor.ParseRole(s.Role)
		if err != nil {
			return fmt.Errorf("computed %s: %w", cc.Key, err)
		}
		sources = append(sources, sensor.SourceRef{Key: s.Key, Role: role})
	}

	rule, err := b.rule(cc)
	if err != nil {
		return err
	}
	c := sensor.NewComputedPoint(cc.Key, cc.Name, rule)
	c.Unit = cc.Unit
	if cc.Scale != 0 {
		c.Scale = cc.Scale
	}
	if cc.Precision != nil {
		c.Precision = *cc.Precision
	}
	if cc.Publish != nil {
		c.SetPublishable(*cc.Publish)
	}
	if cc.Min != nil || cc.Max != nil {
		c.Range = sensor.Range{Min: math.Inf(-1), Max: math.Inf(1), Set: true}
		if cc.Min != nil {
			c.Range.Min = *cc.Min
		}
		if cc.Max != nil {
			c.Range.Max = *cc.Max
		}
	}
	return b.t.Graph.AddComputed(c, sources)
}

func (b *builder) rule(cc config.Computed) (sensor.Rule, error) {
	op, err := sensor.ParseOp(cc.Op)
	if err != nil {
		return nil, fmt.Errorf("computed %s: %w", cc.Key, err)
	}
	switch cc.Rule {
	case "", "transform":
		return &sensor.Transform{Op: op}, nil
	case "failover":
		silence := cc.Silence
		if silence <= 0 {
			silence = defaultSilence
		}
		return &sensor.FailoverRule{Op: op, Silence: silence}, nil
	case "daily", "lifetime":
		a := &sensor.Accounting{Period: sensor.Daily, Location: b.t.loc}
		if cc.Rule == "lifetime" {
			a.Period = sensor.Lifetime
		}
		log := b.t.log.With().Str("point", cc.Key).Logger()
		err := a.Bind(cc.Key, b.deps.Store, b.now, func(err error) {
			log.Warn().Err(err).Msg("accounting state not saved")
		})
		if err != nil {
			return nil, fmt.Errorf("computed %s: restore: %w", cc.Key, err)
		}
		return a, nil
	}
	return nil, fmt.Errorf("computed %s: unknown rule %q", cc.Key, cc.Rule)
}
