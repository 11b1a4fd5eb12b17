package scheduler

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/lock"
	"modbus-gateway/internal/publish"
	"modbus-gateway/internal/register"
	"modbus-gateway/internal/sensor"
	"modbus-gateway/internal/simulator"
	"modbus-gateway/internal/transport"
)

// fakeWire serves register n as n. Ranges touching a bad address answer
// "illegal data address".
type fakeWire struct {
	mu         sync.Mutex
	reads      []register.Window
	bad        map[uint16]bool
	fail       error
	connectErr error
	connects   int
	written    map[uint16][]byte
}

func (w *fakeWire) Connect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connects++
	return w.connectErr
}

func (w *fakeWire) Close() error { return nil }

func (w *fakeWire) Read(unit uint8, kind register.Kind, address, count uint16) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads = append(w.reads, register.Window{Unit: unit, Kind: kind, Start: address, Count: count})
	if w.fail != nil {
		return nil, w.fail
	}
	out := make([]byte, 0, int(count)*2)
	for a := address; a < address+count; a++ {
		if w.bad[a] {
			return nil, &mb.ModbusError{FunctionCode: 0x84, ExceptionCode: mb.ExceptionCodeIllegalDataAddress}
		}
		out = append(out, byte(a>>8), byte(a))
	}
	return out, nil
}

func (w *fakeWire) Write(_ uint8, address uint16, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written == nil {
		w.written = map[uint16][]byte{}
	}
	w.written[address] = payload
	return nil
}

func (w *fakeWire) readCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reads)
}

type memSink struct {
	mu   sync.Mutex
	msgs []publish.Message
}

func (m *memSink) Publish(_ context.Context, msg publish.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

func (m *memSink) payloads(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs {
		if msg.Topic == topic {
			out = append(out, msg.Payload)
		}
	}
	return out
}

type fixture struct {
	wire   *fakeWire
	sink   *memSink
	graph  *sensor.Graph
	dev    *sensor.Device
	poller *Poller
	lock   *lock.ConnectionLock
}

func newFixture(t *testing.T, opts Options, addrs ...uint16) *fixture {
	t.Helper()
	f := &fixture{wire: &fakeWire{bad: map[uint16]bool{}}, sink: &memSink{}}
	f.graph = sensor.NewGraph(zerolog.Nop())
	f.dev = sensor.NewDevice("inv", "Inverter", 1, nil)
	for _, a := range addrs {
		p := sensor.NewRegisterPoint("p"+strconv.Itoa(int(a)), "", 1, register.Holding, a, 1, register.Uint16)
		p.Interval = time.Minute
		f.dev.AddPoint(p)
		require.NoError(t, f.graph.AddRegister(p))
	}
	conn := transport.New("fake", f.wire, nil, zerolog.Nop())
	f.lock = lock.NewRegistry().Get("fake")
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	f.poller = New(conn, f.lock, f.dev, f.graph, publish.NewPublisher(f.sink, nil, zerolog.Nop()), opts, zerolog.Nop())
	require.NoError(t, conn.Connect())
	return f
}

func TestCycleReadsOneWindowAndPublishes(t *testing.T) {
	f := newFixture(t, Options{}, 10, 11, 12)
	require.NoError(t, f.poller.Cycle(context.Background()))

	assert.Equal(t, []register.Window{{Unit: 1, Kind: register.Holding, Start: 10, Count: 3}}, f.wire.reads)
	assert.Equal(t, []string{"11"}, f.sink.payloads("p11/state"))
	assert.Equal(t, []string{"online"}, f.sink.payloads("inv/availability"))
	assert.Equal(t, sensor.On, f.dev.Online())
	assert.False(t, f.lock.Held())

	// nothing due until the interval elapses
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, 1, f.wire.readCount())

	f.poller.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, 2, f.wire.readCount())
}

func TestIllegalAddressIsolatesThenDisables(t *testing.T) {
	f := newFixture(t, Options{}, 0, 1, 2)
	f.wire.bad[1] = true
	ctx := context.Background()

	require.NoError(t, f.poller.Cycle(ctx))
	assert.Len(t, f.wire.reads, 1)
	assert.Empty(t, f.sink.payloads("p0/state"))

	// the points are still due; now read as singletons
	require.NoError(t, f.poller.Cycle(ctx))
	assert.Len(t, f.wire.reads, 4)
	assert.Equal(t, []string{"0"}, f.sink.payloads("p0/state"))
	assert.Equal(t, []string{"2"}, f.sink.payloads("p2/state"))

	bad := f.poller.byKey["p1"]
	assert.True(t, bad.Invalid())

	f.poller.ForceRepublish()
	require.NoError(t, f.poller.Cycle(ctx))
	for _, w := range f.wire.reads[4:] {
		assert.NotEqual(t, uint16(1), w.Start, "disabled point was read again")
	}
}

func TestConnectionErrorAbandonsCycle(t *testing.T) {
	f := newFixture(t, Options{}, 0, 50)
	f.wire.fail = io.EOF

	err := f.poller.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsConnectionError(err))
	assert.Len(t, f.wire.reads, 1, "remaining windows skipped")
	assert.False(t, f.lock.Held())
}

func TestLockTimeoutSkipsCycle(t *testing.T) {
	f := newFixture(t, Options{LockTimeout: 20 * time.Millisecond}, 0)
	require.NoError(t, f.lock.Acquire(context.Background(), 0))
	defer f.lock.Release()

	err := f.poller.Cycle(context.Background())
	require.ErrorIs(t, err, lock.ErrTimeout)
	assert.Zero(t, f.wire.readCount())
}

func TestHiddenPointWithoutConsumersIsNotPolled(t *testing.T) {
	f := newFixture(t, Options{}, 0, 1)
	f.poller.byKey["p1"].SetPublishable(false)

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, []register.Window{{Unit: 1, Kind: register.Holding, Start: 0, Count: 1}}, f.wire.reads)
}

func TestHiddenPointDoesNotShortenSleep(t *testing.T) {
	f := newFixture(t, Options{Tick: time.Second}, 0)
	f.poller.byKey["p0"].SetPublishable(false)
	t0 := time.Now()
	f.poller.now = func() time.Time { return t0 }

	for i := 0; i < 3; i++ {
		require.NoError(t, f.poller.Cycle(context.Background()))
	}
	assert.Zero(t, f.wire.readCount())
	assert.Equal(t, time.Second, f.poller.sleep())
}

func TestBusyDeviceRetriedAtInterval(t *testing.T) {
	f := newFixture(t, Options{Tick: time.Second}, 0, 1)
	f.wire.fail = &mb.ModbusError{FunctionCode: 0x83, ExceptionCode: mb.ExceptionCodeServerDeviceBusy}
	t0 := time.Now()
	f.poller.now = func() time.Time { return t0 }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.poller.Cycle(ctx))
	}
	assert.Equal(t, 1, f.wire.readCount(), "one transaction per interval")
	assert.Equal(t, time.Second, f.poller.sleep())
	assert.False(t, f.poller.byKey["p0"].Invalid(), "busy is not an address error")

	f.poller.ForceRepublish()
	require.NoError(t, f.poller.Cycle(ctx))
	assert.Equal(t, 1, f.wire.readCount())

	f.wire.mu.Lock()
	f.wire.fail = nil
	f.wire.mu.Unlock()
	f.poller.now = func() time.Time { return t0.Add(time.Minute) }
	require.NoError(t, f.poller.Cycle(ctx))
	assert.Equal(t, 2, f.wire.readCount())
	assert.Equal(t, []string{"0"}, f.sink.payloads("p0/state"))
}

func TestValuesFlowIntoGraph(t *testing.T) {
	f := newFixture(t, Options{}, 3, 4)
	f.poller.byKey["p3"].SetPublishable(false)
	c := sensor.NewComputedPoint("product", "", &sensor.Transform{Op: sensor.OpProduct})
	require.NoError(t, f.graph.AddComputed(c, []sensor.SourceRef{{Key: "p3"}, {Key: "p4"}}))

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, []string{"12"}, f.sink.payloads("product/state"))
	assert.Empty(t, f.sink.payloads("p3/state"))
}

func TestOverridesAppliedAtCycleStart(t *testing.T) {
	f := newFixture(t, Options{}, 0, 1)
	off := false
	f.poller.Apply(map[string]sensor.Override{"p1": {Enabled: &off}})

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, []register.Window{{Unit: 1, Kind: register.Holding, Start: 0, Count: 1}}, f.wire.reads)
}

func TestWriteRunsInNextCycle(t *testing.T) {
	f := newFixture(t, Options{}, 20)
	ctx := context.Background()
	require.NoError(t, f.poller.Cycle(ctx))

	done := make(chan error, 1)
	go func() { done <- f.poller.Write(ctx, "p20", 513) }()
	require.Eventually(t, func() bool { return len(f.poller.writes) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.poller.Cycle(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, []byte{2, 1}, f.wire.written[20])
	assert.Equal(t, 1, f.wire.readCount())

	require.NoError(t, f.poller.Cycle(ctx))
	assert.Equal(t, 2, f.wire.readCount(), "written point is re-read")

	assert.ErrorIs(t, f.poller.Write(ctx, "nope", 1), ErrUnknownPoint)
}

func TestRunGivesUpAfterMaxReconnects(t *testing.T) {
	f := newFixture(t, Options{MaxReconnects: 2}, 0)
	f.wire.fail = io.EOF
	f.wire.connectErr = errors.New("connection refused")

	err := f.poller.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyReconnects)
	assert.Equal(t, sensor.Off, f.dev.Online())
	assert.Equal(t, "offline", lastOf(f.sink.payloads("inv/availability")))
}

func TestRunStopsWhenDeviceGoesOffline(t *testing.T) {
	f := newFixture(t, Options{Tick: 5 * time.Millisecond}, 0)
	errc := make(chan error, 1)
	go func() { errc <- f.poller.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.dev.Online() == sensor.On }, time.Second, time.Millisecond)
	f.dev.SetOnline(sensor.Off)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, "offline", lastOf(f.sink.payloads("inv/availability")))
}

func lastOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func TestPollerAgainstSimulator(t *testing.T) {
	sim := simulator.NewServer(zerolog.Nop())
	require.NoError(t, sim.Listen("127.0.0.1:0"))
	t.Cleanup(sim.Close)
	sim.Unit(3).Set(register.Input, 100, 2300, 52, 0, 0x4248, 0x0000)

	host, port, err := net.SplitHostPort(sim.Addr().String())
	require.NoError(t, err)
	portN, err := strconv.Atoi(port)
	require.NoError(t, err)
	settings := transport.Settings{Protocol: "modbus-tcp", Host: host, Port: portN, Timeout: 2 * time.Second}
	wire, err := transport.NewWire(settings)
	require.NoError(t, err)
	conn := transport.New(settings.Key(), wire, nil, zerolog.Nop())

	g := sensor.NewGraph(zerolog.Nop())
	dev := sensor.NewDevice("meter", "Meter", 3, nil)
	volt := sensor.NewRegisterPoint("voltage", "", 3, register.Input, 100, 1, register.Uint16)
	volt.Scale, volt.Precision = 0.1, 1
	amps := sensor.NewRegisterPoint("current", "", 3, register.Input, 101, 1, register.Uint16)
	amps.Scale, amps.Precision = 0.1, 1
	freq := sensor.NewRegisterPoint("frequency", "", 3, register.Input, 103, 0, register.Float32)
	for _, p := range []*sensor.RegisterPoint{volt, amps, freq} {
		dev.AddPoint(p)
		require.NoError(t, g.AddRegister(p))
	}
	power := sensor.NewComputedPoint("power", "", &sensor.Transform{Op: sensor.OpProduct})
	power.Precision = 0
	require.NoError(t, g.AddComputed(power, []sensor.SourceRef{{Key: "voltage"}, {Key: "current"}}))

	sink := &memSink{}
	p := New(conn, lock.NewRegistry().Get(conn.Key()), dev, g, publish.NewPublisher(sink, nil, zerolog.Nop()),
		Options{MaxGap: 1}, zerolog.Nop())
	require.NoError(t, p.connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, p.Cycle(context.Background()))
	assert.EqualValues(t, 1, sim.Requests(), "one coalesced transaction")
	assert.Equal(t, []string{"230.0"}, sink.payloads("voltage/state"))
	assert.Equal(t, []string{"50"}, sink.payloads("frequency/state"))
	assert.Equal(t, []string{"1196"}, sink.payloads("power/state"))
}
