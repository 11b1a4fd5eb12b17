// Package scheduler runs the poll loop of one device tree: it picks the
// points that are due, coalesces them into read windows, reads them under the
// connection lock and fans the decoded values out to the graph and the sink.
//
// Pollers of one connection share its transport. BeginCycle clears the shared
// window cache, so a cycle only ever serves reads from windows it read itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"modbus-gateway/internal/lock"
	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/register"
	"modbus-gateway/internal/sensor"
	"modbus-gateway/internal/transport"
)

var (
	ErrTooManyReconnects = errors.New("scheduler: too many consecutive reconnects")
	ErrUnknownPoint      = errors.New("scheduler: unknown point")
	ErrNotWritable       = errors.New("scheduler: point is not writable")
)

// Options tune a poller. Zero values select the defaults.
type Options struct {
	// MaxGap is the largest run of unused registers a window may span.
	MaxGap uint16
	// MaxReconnects bounds consecutive connection failures; 0 retries forever.
	MaxReconnects int
	LockTimeout   time.Duration
	// Tick is the longest idle sleep between cycles.
	Tick    time.Duration
	Backoff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Backoff == nil {
		o.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	return o
}

const minSleep = 10 * time.Millisecond

type writeRequest struct {
	point   *sensor.RegisterPoint
	payload []byte
	done    chan error
}

type reading struct {
	point  *sensor.RegisterPoint
	sample sensor.Sample
	forced bool
}

// Poller owns the register points of one device tree. Only its own goroutine
// touches them; other goroutines talk to it through Apply, ForceRepublish and Write.
type Poller struct {
	conn  *transport.Transport
	lock  *lock.ConnectionLock
	root  *sensor.Device
	graph *sensor.Graph
	pub   *publish.Publisher
	opts  Options
	log   zerolog.Logger
	now   func() time.Time

	points   []*sensor.RegisterPoint
	byKey    map[string]*sensor.RegisterPoint
	isolated map[*sensor.RegisterPoint]bool

	failures  int
	available bool

	mu      sync.Mutex
	pending map[string]sensor.Override
	force   atomic.Bool
	writes  chan writeRequest
}

func New(conn *transport.Transport, l *lock.ConnectionLock, root *sensor.Device, g *sensor.Graph, pub *publish.Publisher, opts Options, log zerolog.Logger) *Poller {
	p := &Poller{
		conn:     conn,
		lock:     l,
		root:     root,
		graph:    g,
		pub:      pub,
		opts:     opts.withDefaults(),
		log:      log.With().Str("device", root.ID).Str("conn", conn.Key()).Logger(),
		now:      time.Now,
		points:   root.AllPoints(),
		byKey:    make(map[string]*sensor.RegisterPoint),
		isolated: make(map[*sensor.RegisterPoint]bool),
		writes:   make(chan writeRequest, 16),
	}
	for _, pt := range p.points {
		p.byKey[pt.Key] = pt
	}
	return p
}

// Root is the device tree this poller serves.
func (p *Poller) Root() *sensor.Device { return p.root }

// Conn is the transport the poller reads through, shared with its siblings.
func (p *Poller) Conn() *transport.Transport { return p.conn }

// Apply queues configuration overrides for the start of the next cycle.
// A later call replaces overrides not yet applied.
func (p *Poller) Apply(o map[string]sensor.Override) {
	p.mu.Lock()
	p.pending = o
	p.mu.Unlock()
}

// ForceRepublish makes every point due and published on the next cycle.
func (p *Poller) ForceRepublish() { p.force.Store(true) }

// Owns reports whether key names one of this poller's points.
func (p *Poller) Owns(key string) bool {
	_, ok := p.byKey[key]
	return ok
}

// Write stores value into the holding registers of point key. It is executed
// on the next cycle, under the connection lock, and waits for the result.
func (p *Poller) Write(ctx context.Context, key string, value float64) error {
	pt, ok := p.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPoint, key)
	}
	if pt.Kind != register.Holding {
		return fmt.Errorf("%w: %s is an %s register", ErrNotWritable, key, pt.Kind)
	}
	scale := pt.Scale
	if scale == 0 {
		scale = 1
	}
	payload, err := register.Encode(value/scale, pt.Encoding, pt.ByteOrder)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotWritable, key, err)
	}
	req := writeRequest{point: pt, payload: payload, done: make(chan error, 1)}
	select {
	case p.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until ctx is done or the device tree goes offline. The devices
// are published offline on the way out. The transport is left open; its
// owner closes it once every poller sharing it has stopped.
func (p *Poller) Run(ctx context.Context) error {
	defer p.shutdown()

	if err := p.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		err := p.Cycle(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lock.ErrTimeout):
			p.log.Warn().Dur("timeout", p.opts.LockTimeout).Msg("connection busy, skipping cycle")
		case transport.IsConnectionError(err):
			p.log.Warn().Err(err).Msg("connection error, abandoning cycle")
			p.setAvailable(ctx, false)
			if err := p.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		default:
			p.log.Error().Err(err).Msg("cycle failed")
		}

		timer := time.NewTimer(p.sleep())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.root.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Poller) sleep() time.Duration {
	now := p.now()
	d := p.opts.Tick
	for _, pt := range p.points {
		if !p.wanted(pt) {
			continue
		}
		if until := pt.NextDue().Sub(now); until < d {
			d = until
		}
	}
	if d < minSleep {
		d = minSleep
	}
	return d
}

func (p *Poller) failure() error {
	p.failures++
	if p.opts.MaxReconnects > 0 && p.failures > p.opts.MaxReconnects {
		return fmt.Errorf("%w: %d on %s", ErrTooManyReconnects, p.failures-1, p.conn.Key())
	}
	return nil
}

func (p *Poller) withLock(ctx context.Context, fn func() error) error {
	if err := p.lock.Acquire(ctx, p.opts.LockTimeout); err != nil {
		return err
	}
	defer p.lock.Release()
	return fn()
}

func (p *Poller) connect(ctx context.Context) error {
	op := func() error {
		err := p.withLock(ctx, p.conn.Connect)
		if err == nil || errors.Is(err, lock.ErrTimeout) || ctx.Err() != nil {
			return err
		}
		if ferr := p.failure(); ferr != nil {
			return backoff.Permanent(ferr)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.log.Error().Err(err).Dur("retry_in", next).Msg("connect failed")
	}
	return backoff.RetryNotify(op, backoff.WithContext(p.opts.Backoff(), ctx), notify)
}

// reconnect closes the shared transport and dials it again. Pollers sharing
// the connection find it reopened once they get the lock.
func (p *Poller) reconnect(ctx context.Context) error {
	err := p.withLock(ctx, func() error {
		if p.conn.Connected() {
			return p.conn.Close()
		}
		return nil
	})
	if err != nil {
		p.log.Debug().Err(err).Msg("close before reconnect")
	}
	if err := p.failure(); err != nil {
		return err
	}
	return p.connect(ctx)
}

// Cycle runs one poll cycle. A connection error aborts it and is returned;
// window-level errors are handled in place.
func (p *Poller) Cycle(ctx context.Context) error {
	p.applyPending()
	if p.force.Swap(false) {
		for _, pt := range p.points {
			pt.ForceRepublish()
		}
	}

	now := p.now()
	due := p.dueSet(now)
	writes := p.drainWrites()
	if len(due) == 0 && len(writes) == 0 {
		return nil
	}

	if err := p.lock.Acquire(ctx, p.opts.LockTimeout); err != nil {
		for _, w := range writes {
			w.done <- err
		}
		return err
	}
	p.conn.BeginCycle()
	results, err := p.poll(due, writes, now)
	p.lock.Release()

	p.fanOut(ctx, results)
	if err != nil {
		return err
	}
	p.failures = 0
	p.setAvailable(ctx, true)
	return nil
}

func (p *Poller) applyPending() {
	p.mu.Lock()
	o := p.pending
	p.pending = nil
	p.mu.Unlock()
	if o == nil {
		return
	}
	n := 0
	for _, pt := range p.points {
		if ov, ok := o[pt.Key]; ok {
			pt.Apply(ov)
			n++
		}
	}
	p.log.Info().Int("points", n).Msg("overrides applied")
}

func (p *Poller) drainWrites() []writeRequest {
	var out []writeRequest
	for {
		select {
		case w := <-p.writes:
			out = append(out, w)
		default:
			return out
		}
	}
}

// wanted reports whether anyone would see a reading of pt.
func (p *Poller) wanted(pt *sensor.RegisterPoint) bool {
	if pt.Invalid() || pt.Disabled() {
		return false
	}
	return pt.Publishable() || p.graph.HasConsumers(pt.ID())
}

// dueSet returns the wanted points to read at now.
func (p *Poller) dueSet(now time.Time) []*sensor.RegisterPoint {
	var due []*sensor.RegisterPoint
	for _, pt := range p.points {
		if pt.Due(now) && p.wanted(pt) {
			due = append(due, pt)
		}
	}
	return due
}

func (p *Poller) poll(due []*sensor.RegisterPoint, writes []writeRequest, now time.Time) ([]reading, error) {
	for i, w := range writes {
		err := p.conn.Write(w.point.UnitID, w.point.Address, w.payload)
		w.done <- err
		if err == nil {
			w.point.ForceRepublish()
			continue
		}
		if transport.IsConnectionError(err) {
			for _, rest := range writes[i+1:] {
				rest.done <- err
			}
			return nil, err
		}
		p.log.Warn().Err(err).Str("point", w.point.Key).Msg("write rejected")
	}

	var results []reading
	for _, w := range Coalesce(due, p.isIsolated, p.opts.MaxGap) {
		if err := p.conn.ReadWindow(w.Window); err != nil {
			if transport.IsConnectionError(err) {
				return results, err
			}
			p.windowError(w, err, now)
			continue
		}
		for _, pt := range w.Points {
			data, err := p.conn.ReadPoint(pt.UnitID, pt.Kind, pt.Address, pt.Count)
			if err != nil {
				if transport.IsConnectionError(err) {
					return results, err
				}
				p.log.Debug().Err(err).Str("point", pt.Key).Msg("point read failed")
				pt.ReadFailed(now)
				continue
			}
			forced := pt.Forced()
			s, err := pt.Decode(data, now)
			if err != nil {
				p.log.Warn().Err(err).Msg("decode failed")
				pt.ReadFailed(now)
				continue
			}
			results = append(results, reading{point: pt, sample: s, forced: forced})
		}
	}
	return results, nil
}

func (p *Poller) isIsolated(pt *sensor.RegisterPoint) bool { return p.isolated[pt] }

// windowError handles a device exception for w. An illegal-address answer to
// a shared window isolates its points; to a single point it disables it.
// Any other exception holds the window's points back until their interval.
func (p *Poller) windowError(w Window, err error, now time.Time) {
	if !transport.IsAddressInvalid(err) {
		p.log.Debug().Err(err).Stringer("window", w.Window).Msg("device exception")
		for _, pt := range w.Points {
			pt.ReadFailed(now)
		}
		return
	}
	if len(w.Points) > 1 {
		for _, pt := range w.Points {
			p.isolated[pt] = true
		}
		p.log.Info().Stringer("window", w.Window).Int("points", len(w.Points)).
			Msg("illegal address in window, isolating points")
		return
	}
	pt := w.Points[0]
	if pt.Invalidate() {
		p.log.Warn().Str("point", pt.Key).Stringer("window", w.Window).
			Msg("device rejects address, point disabled")
	}
}

func (p *Poller) fanOut(ctx context.Context, results []reading) {
	for _, r := range results {
		pt := r.point
		if pt.Publishable() {
			if err := p.pub.State(ctx, pt.Key, pt.Format(r.sample), r.forced); err != nil {
				p.log.Warn().Err(err).Str("point", pt.Key).Msg("publish failed")
			}
		}
		p.pub.Emissions(ctx, p.graph.Forward(pt.ID(), r.sample))
	}
}

func (p *Poller) setAvailable(ctx context.Context, up bool) {
	if up == p.available {
		return
	}
	p.available = up
	state := sensor.Pending
	if up {
		state = sensor.On
	}
	p.root.Walk(func(d *sensor.Device) {
		d.SetOnline(state)
		if err := p.pub.Availability(ctx, d.ID, state); err != nil {
			p.log.Warn().Err(err).Str("device", d.ID).Msg("availability publish failed")
		}
	})
}

func (p *Poller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.root.Walk(func(d *sensor.Device) {
		if err := p.pub.Availability(ctx, d.ID, sensor.Off); err != nil {
			p.log.Warn().Err(err).Str("device", d.ID).Msg("availability publish failed")
		}
	})
	p.root.SetOnline(sensor.Off)
	for {
		select {
		case w := <-p.writes:
			w.done <- context.Canceled
		default:
			return
		}
	}
}
