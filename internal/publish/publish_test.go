package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/sensor"
)

type memSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *memSink) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

func TestStateSuppressesUnchanged(t *testing.T) {
	sink := &memSink{}
	p := NewPublisher(sink, NewDedup(time.Hour), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.State(ctx, "voltage", "230", false))
	require.NoError(t, p.State(ctx, "voltage", "230", false))
	require.NoError(t, p.State(ctx, "voltage", "231", false))
	require.NoError(t, p.State(ctx, "voltage", "231", true))

	require.Len(t, sink.msgs, 3)
	assert.Equal(t, "voltage/state", sink.msgs[0].Topic)
	assert.Equal(t, "231", sink.msgs[2].Payload)
}

func TestDedupExpires(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.True(t, d.Changed("k", "1"))
	d.Remember("k", "1")
	assert.False(t, d.Changed("k", "1"))

	now = now.Add(2 * time.Minute)
	assert.True(t, d.Changed("k", "1"))

	d.Remember("k", "1")
	d.Forget()
	assert.True(t, d.Changed("k", "1"))
}

func TestAvailabilityIsRetained(t *testing.T) {
	sink := &memSink{}
	p := NewPublisher(sink, nil, zerolog.Nop())
	require.NoError(t, p.Availability(context.Background(), "inverter", sensor.Off))
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, Message{Topic: "inverter/availability", Payload: "offline", Retain: true}, sink.msgs[0])
}

func TestEmissionsSkipHiddenPoints(t *testing.T) {
	sink := &memSink{}
	p := NewPublisher(sink, nil, zerolog.Nop())
	shown := sensor.NewComputedPoint("power", "", &sensor.Transform{Op: sensor.OpSum})
	shown.Precision = 1
	hidden := sensor.NewComputedPoint("scratch", "", &sensor.Transform{Op: sensor.OpSum})
	hidden.SetPublishable(false)

	p.Emissions(context.Background(), []sensor.Emission{
		{Point: shown, Sample: sensor.Sample{Value: 12.34}},
		{Point: hidden, Sample: sensor.Sample{Value: 1}},
	})
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "12.3", sink.msgs[0].Payload)
}

func TestParseNumber(t *testing.T) {
	for in, want := range map[string]float64{"12.5": 12.5, " 3 ": 3, "ON": 1, "false": 0} {
		got, err := ParseNumber([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseNumber([]byte("abc"))
	assert.Error(t, err)
}

func TestMQTTTopicPrefix(t *testing.T) {
	s := NewMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1883", Prefix: "solar/"}, zerolog.Nop())
	assert.Equal(t, "solar/voltage/state", s.topic(StateTopic("voltage")))
	assert.Contains(t, s.cfg.ClientID, "modbus-gateway-")

	bare := NewMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1883", ClientID: "fixed"}, zerolog.Nop())
	assert.Equal(t, "voltage/state", bare.topic("voltage/state"))
	assert.Equal(t, "fixed", bare.cfg.ClientID)
}

type failSink struct{ err error }

func (f failSink) Publish(context.Context, Message) error { return f.err }

func TestMultiReachesEverySink(t *testing.T) {
	boom := errors.New("boom")
	a, b := &memSink{}, &memSink{}
	err := Multi{a, failSink{boom}, b}.Publish(context.Background(), Message{Topic: "x/state", Payload: "1"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}
