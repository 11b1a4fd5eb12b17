package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/register"
	"modbus-gateway/internal/sensor"
	"modbus-gateway/internal/transport"
)

// echoWire serves register n as n and records writes.
type echoWire struct {
	mu     sync.Mutex
	writes map[uint16][]byte
}

func (w *echoWire) Connect() error { return nil }
func (w *echoWire) Close() error   { return nil }

func (w *echoWire) Read(_ uint8, _ register.Kind, address, count uint16) ([]byte, error) {
	out := make([]byte, 0, int(count)*2)
	for a := address; a < address+count; a++ {
		out = append(out, byte(a>>8), byte(a))
	}
	return out, nil
}

func (w *echoWire) Write(_ uint8, address uint16, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes[address] = payload
	return nil
}

type memSink struct {
	mu   sync.Mutex
	msgs map[string][]string
	subs map[string]func(string, []byte)
}

func newMemSink() *memSink {
	return &memSink{msgs: map[string][]string{}, subs: map[string]func(string, []byte){}}
}

func (m *memSink) Publish(_ context.Context, msg publish.Message) error {
	m.mu.Lock()
	m.msgs[msg.Topic] = append(m.msgs[msg.Topic], msg.Payload)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Subscribe(topic string, fn func(string, []byte)) error {
	m.mu.Lock()
	m.subs[topic] = fn
	m.mu.Unlock()
	return nil
}

func (m *memSink) get(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs[topic]...)
}

func intp(v int) *int { return &v }

func testConfig() config.Root {
	return config.Root{
		Gateway: config.Gateway{Tick: 5 * time.Millisecond, LockTimeout: time.Second},
		Connections: []config.Connection{{
			ID: "inv", Protocol: "modbus-tcp", Host: "10.0.0.1", Port: 502,
			Devices: []config.Device{{
				ID: "inverter", UnitID: 1, Capabilities: []string{"grid"},
				Points: []config.Point{
					{Key: "voltage", Address: 10, Interval: time.Minute},
					{Key: "current", Address: 11, Interval: time.Minute},
					{Key: "soc", Address: 12, Interval: time.Minute, Requires: []string{"battery"}},
					{Key: "limit", Address: 20, Interval: time.Minute, Writable: true},
				},
				Children: []config.Device{{
					ID: "meter", UnitID: 1,
					Points: []config.Point{{Key: "meter_power", Address: 30, Interval: time.Minute}},
				}},
			}},
		}},
		External: []config.External{{Key: "grid_push", Topic: "grid/power"}},
		Computed: []config.Computed{
			{Key: "power", Op: "product", Precision: intp(0), Sources: []config.Source{{Key: "voltage"}, {Key: "current"}}},
			{Key: "soc_pct", Op: "sum", Sources: []config.Source{{Key: "soc"}}},
			{Key: "battery_only", Device: "inverter", Requires: []string{"battery"}, Sources: []config.Source{{Key: "voltage"}}},
			{Key: "grid_x2", Op: "sum", Scale: 2, Sources: []config.Source{{Key: "grid_push"}}},
			{Key: "energy_today", Rule: "daily", Sources: []config.Source{{Key: "meter_power"}}},
		},
	}
}

func build(t *testing.T, cfg config.Root, sink *memSink, store sensor.StateStore) (*Topology, *echoWire) {
	t.Helper()
	wire := &echoWire{writes: map[uint16][]byte{}}
	topo, err := Build(cfg, Deps{
		Publisher: publish.NewPublisher(sink, nil, zerolog.Nop()),
		Store:     store,
		Log:       zerolog.Nop(),
		NewWire:   func(transport.Settings) (transport.Wire, error) { return wire, nil },
	})
	require.NoError(t, err)
	return topo, wire
}

func TestBuildHonoursCapabilities(t *testing.T) {
	topo, _ := build(t, testConfig(), newMemSink(), nil)

	require.Len(t, topo.Pollers, 1)
	require.Len(t, topo.Transports, 1)
	assert.Equal(t, "10.0.0.1:502", topo.Transports[0].Key())

	_, ok := topo.Graph.Lookup("soc")
	assert.False(t, ok, "point requiring a missing capability is skipped")
	_, ok = topo.Graph.Lookup("soc_pct")
	assert.False(t, ok, "computed point fed by a skipped point is skipped")
	_, ok = topo.Graph.Lookup("battery_only")
	assert.False(t, ok)
	_, ok = topo.Graph.Lookup("power")
	assert.True(t, ok)

	root := topo.Pollers[0].Root()
	assert.Len(t, root.AllPoints(), 4)
	assert.Equal(t, "meter", root.Children()[0].ID)
}

func TestDevicesOnOneConnectionShareTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Connections[0].Devices = append(cfg.Connections[0].Devices, config.Device{
		ID: "battery", UnitID: 2,
		Points: []config.Point{{Key: "battery_voltage", Address: 10, Interval: time.Minute}},
	})
	sink := newMemSink()
	topo, _ := build(t, cfg, sink, nil)

	require.Len(t, topo.Pollers, 2)
	require.Len(t, topo.Transports, 1)
	assert.Same(t, topo.Pollers[0].Conn(), topo.Pollers[1].Conn())
	assert.Same(t, topo.Transports[0], topo.Pollers[1].Conn())
	assert.True(t, topo.Pollers[1].Owns("battery_voltage"))
	assert.False(t, topo.Pollers[0].Owns("battery_voltage"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- topo.Run(ctx) }()
	require.Eventually(t, func() bool {
		return len(sink.get("battery_voltage/state")) > 0 && len(sink.get("voltage/state")) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"10"}, sink.get("battery_voltage/state"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("topology did not stop")
	}
}

func TestRunPublishesRawAndComputed(t *testing.T) {
	sink := newMemSink()
	topo, _ := build(t, testConfig(), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- topo.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.get("power/state")) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"10"}, sink.get("voltage/state"))
	assert.Equal(t, "110", sink.get("power/state")[0])
	assert.Equal(t, []string{"0"}, sink.get("energy_today/state"))
	assert.Equal(t, "online", sink.get("meter/availability")[0])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("topology did not stop")
	}
	avail := sink.get("inverter/availability")
	assert.Equal(t, "offline", avail[len(avail)-1])
}

func TestSubscribeDeliversPushesAndWrites(t *testing.T) {
	sink := newMemSink()
	topo, wire := build(t, testConfig(), sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, topo.Subscribe(ctx, sink))

	push := sink.subs["grid/power"]
	require.NotNil(t, push)
	push("grid/power", []byte("21"))
	assert.Equal(t, []string{"42"}, sink.get("grid_x2/state"))

	push("grid/power", []byte("not a number"))
	assert.Len(t, sink.get("grid_x2/state"), 1)

	cmd := sink.subs["limit/set"]
	require.NotNil(t, cmd, "writable holding point gets a command topic")
	assert.Nil(t, sink.subs["voltage/set"])

	go func() { _ = topo.Run(ctx) }()
	cmd("limit/set", []byte("300"))
	require.Eventually(t, func() bool {
		wire.mu.Lock()
		defer wire.mu.Unlock()
		return wire.writes[20] != nil
	}, 2*time.Second, 5*time.Millisecond)
	wire.mu.Lock()
	assert.Equal(t, []byte{0x01, 0x2c}, wire.writes[20])
	wire.mu.Unlock()
}

func TestApplyOverridesComputed(t *testing.T) {
	topo, _ := build(t, testConfig(), newMemSink(), nil)
	off := false
	topo.Apply(map[string]config.Override{"power": {Publish: &off}})
	for _, c := range topo.Graph.Computed() {
		if c.Key == "power" {
			assert.False(t, c.IsPublishable())
		}
	}
}

type memStore struct{ states map[string]sensor.AccountingState }

func (m *memStore) LoadAccounting(key string) (sensor.AccountingState, bool, error) {
	st, ok := m.states[key]
	return st, ok, nil
}

func (m *memStore) SaveAccounting(key string, st sensor.AccountingState) error {
	m.states[key] = st
	return nil
}

func TestDailyBaselineRestored(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	store := &memStore{states: map[string]sensor.AccountingState{
		"energy_today": {Baseline: 20, Day: today, Last: 25},
	}}
	sink := newMemSink()
	topo, _ := build(t, testConfig(), sink, store)

	for _, c := range topo.Graph.Computed() {
		if a, ok := c.Rule().(*sensor.Accounting); ok {
			b, based := a.Baseline()
			require.True(t, based)
			assert.Equal(t, 20.0, b)
		}
	}
}
