package topology

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/sensor"
)

const writeTimeout = 30 * time.Second

// Run starts every poller and the daily rollover, and blocks until they have
// all returned. A poller that gives up does not stop the others; its error is
// returned once ctx is done.
func (t *Topology) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range t.Pollers {
		p := p
		g.Go(func() error {
			err := p.Run(ctx)
			if err != nil {
				t.log.Error().Err(err).Str("device", p.Root().ID).Msg("poller stopped")
			}
			return err
		})
	}
	g.Go(func() error {
		t.Graph.RunRollover(ctx, t.loc)
		return nil
	})
	err := g.Wait()
	return errors.Join(err, t.Close())
}

// Close closes every transport. Call it only once the pollers have stopped.
func (t *Topology) Close() error {
	var errs []error
	for _, c := range t.Transports {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply routes overrides to the pollers owning the points and to computed points.
func (t *Topology) Apply(in map[string]config.Override) {
	o := make(map[string]sensor.Override, len(in))
	for k, v := range in {
		o[k] = sensor.Override{Interval: v.Interval, Enabled: v.Enabled, Publish: v.Publish}
	}
	for _, p := range t.Pollers {
		p.Apply(o)
	}
	for _, c := range t.Graph.Computed() {
		if ov, ok := o[c.Key]; ok {
			c.Apply(ov)
		}
	}
}

// ForceRepublish makes every register point due and published on the next cycle.
func (t *Topology) ForceRepublish() {
	for _, p := range t.Pollers {
		p.ForceRepublish()
	}
}

// Subscribe binds external-push topics to their graph keys and the command
// topics of writable points to register writes.
func (t *Topology) Subscribe(ctx context.Context, sub publish.Subscriber) error {
	for topic, key := range t.external {
		if err := sub.Subscribe(topic, t.deliverHandler(ctx, key)); err != nil {
			return err
		}
	}
	for _, key := range t.writable {
		if err := sub.Subscribe(publish.CommandTopic(key), t.writeHandler(ctx, key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topology) deliverHandler(ctx context.Context, key string) func(string, []byte) {
	return func(topic string, payload []byte) {
		v, err := publish.ParseNumber(payload)
		if err != nil {
			t.log.Warn().Err(err).Str("topic", topic).Msg("ignoring non-numeric push")
			return
		}
		out, err := t.Graph.Deliver(key, v)
		if err != nil {
			t.log.Warn().Err(err).Str("topic", topic).Msg("push rejected")
			return
		}
		if t.pub != nil {
			t.pub.Emissions(ctx, out)
		}
	}
}

// Write stores value into the point key on whichever poller owns it.
func (t *Topology) Write(ctx context.Context, key string, value float64) error {
	for _, p := range t.Pollers {
		if p.Owns(key) {
			return p.Write(ctx, key, value)
		}
	}
	return errors.New("topology: no poller owns " + key)
}

func (t *Topology) writeHandler(ctx context.Context, key string) func(string, []byte) {
	return func(topic string, payload []byte) {
		v, err := publish.ParseNumber(payload)
		if err != nil {
			t.log.Warn().Err(err).Str("topic", topic).Msg("ignoring non-numeric command")
			return
		}
		// the broker callback must not block on the poll cycle
		go func() {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := t.Write(wctx, key, v); err != nil {
				t.log.Warn().Err(err).Str("point", key).Msg("write failed")
				return
			}
			t.log.Info().Str("point", key).Float64("value", v).Msg("written")
		}()
	}
}
