// Package publish delivers point values and availability to an external sink.
package publish

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/sensor"
)

// Message is one value on its way out. Topic is relative to the sink's prefix.
type Message struct {
	Topic   string
	Payload string
	Retain  bool
}

// Sink accepts outgoing messages.
type Sink interface {
	Publish(ctx context.Context, m Message) error
}

// Subscriber delivers inbound messages on a topic relative to the sink's prefix.
type Subscriber interface {
	Subscribe(topic string, fn func(topic string, payload []byte)) error
}

// LogSink writes every message to the log. It backs dry runs and setups without a broker.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, m Message) error {
	s.Log.Info().Str("topic", m.Topic).Bool("retain", m.Retain).Msg(m.Payload)
	return nil
}

// Publisher formats points for a sink and suppresses unchanged values.
type Publisher struct {
	sink  Sink
	dedup *Dedup
	log   zerolog.Logger
}

// NewPublisher wraps sink. A nil dedup publishes every value.
func NewPublisher(sink Sink, dedup *Dedup, log zerolog.Logger) *Publisher {
	return &Publisher{sink: sink, dedup: dedup, log: log.With().Str("component", "publish").Logger()}
}

func StateTopic(key string) string       { return key + "/state" }
func AvailabilityTopic(id string) string { return id + "/availability" }
func CommandTopic(key string) string     { return key + "/set" }

// State publishes payload for key unless it equals the last value sent and force is unset.
func (p *Publisher) State(ctx context.Context, key, payload string, force bool) error {
	if !force && p.dedup != nil && !p.dedup.Changed(key, payload) {
		return nil
	}
	if err := p.sink.Publish(ctx, Message{Topic: StateTopic(key), Payload: payload}); err != nil {
		return err
	}
	if p.dedup != nil {
		p.dedup.Remember(key, payload)
	}
	return nil
}

// Availability publishes a device's online state, retained. Pending reads as offline.
func (p *Publisher) Availability(ctx context.Context, deviceID string, o sensor.Online) error {
	payload := sensor.Off.String()
	if o == sensor.On {
		payload = sensor.On.String()
	}
	return p.sink.Publish(ctx, Message{Topic: AvailabilityTopic(deviceID), Payload: payload, Retain: true})
}

// Emissions publishes the publishable computed values in out. Failures are
// logged, not returned, so one bad sink call does not hide the rest.
func (p *Publisher) Emissions(ctx context.Context, out []sensor.Emission) {
	for _, e := range out {
		if !e.Point.IsPublishable() {
			continue
		}
		if err := p.State(ctx, e.Point.Key, e.Point.Format(e.Sample), false); err != nil {
			p.log.Warn().Err(err).Str("point", e.Point.Key).Msg("publish failed")
		}
	}
}

// ParseNumber reads an inbound payload as a number. Booleans map to 0 and 1.
func ParseNumber(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	switch strings.ToLower(text) {
	case "on", "true":
		return 1, nil
	case "off", "false":
		return 0, nil
	}
	return strconv.ParseFloat(text, 64)
}

// Multi fans a message out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
