package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrPublishTimeout = errors.New("publish: broker did not acknowledge in time")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
	Timeout  time.Duration
}

// MQTTSink publishes to a broker under Prefix. The gateway's own availability
// is published retained on connect and set offline through the broker will.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    zerolog.Logger

	mu        sync.Mutex
	onConnect []func()
	subs      map[string]func(string, []byte)
}

func NewMQTT(cfg MQTTConfig, log zerolog.Logger) *MQTTSink {
	if cfg.ClientID == "" {
		cfg.ClientID = "modbus-gateway-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	s := &MQTTSink{
		cfg:  cfg,
		log:  log.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger(),
		subs: make(map[string]func(string, []byte)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(s.topic(AvailabilityTopic("gateway")), "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(s.connected)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn().Err(err).Msg("broker connection lost")
	})
	s.client = mqtt.NewClient(opts)
	return s
}

func (s *MQTTSink) topic(rel string) string {
	if s.cfg.Prefix == "" {
		return rel
	}
	return s.cfg.Prefix + "/" + rel
}

// OnConnect registers fn to run after every (re)connect, e.g. to force a full republish.
func (s *MQTTSink) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

func (s *MQTTSink) connected(c mqtt.Client) {
	s.log.Info().Msg("connected to broker")
	c.Publish(s.topic(AvailabilityTopic("gateway")), s.cfg.QoS, true, "online")

	s.mu.Lock()
	hooks := append([]func(){}, s.onConnect...)
	subs := make(map[string]func(string, []byte), len(s.subs))
	for t, fn := range s.subs {
		subs[t] = fn
	}
	s.mu.Unlock()

	for t, fn := range subs {
		if err := s.subscribe(t, fn); err != nil {
			s.log.Error().Err(err).Str("topic", t).Msg("resubscribe failed")
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

// Connect dials the broker, waiting at most until ctx is done.
func (s *MQTTSink) Connect(ctx context.Context) error {
	tok := s.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Publish(ctx context.Context, m Message) error {
	tok := s.client.Publish(s.topic(m.Topic), s.cfg.QoS, m.Retain, m.Payload)
	return wait(ctx, tok, s.cfg.Timeout)
}

// Subscribe registers fn for a relative topic. Subscriptions are restored on reconnect.
func (s *MQTTSink) Subscribe(topic string, fn func(topic string, payload []byte)) error {
	s.mu.Lock()
	s.subs[topic] = fn
	s.mu.Unlock()
	if !s.client.IsConnectionOpen() {
		return nil
	}
	return s.subscribe(topic, fn)
}

func (s *MQTTSink) subscribe(topic string, fn func(string, []byte)) error {
	prefix := s.topic("")
	tok := s.client.Subscribe(s.topic(topic), s.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		fn(strings.TrimPrefix(m.Topic(), prefix), m.Payload())
	})
	return wait(context.Background(), tok, s.cfg.Timeout)
}

// Close publishes the gateway offline and disconnects.
func (s *MQTTSink) Close() {
	if s.client.IsConnectionOpen() {
		tok := s.client.Publish(s.topic(AvailabilityTopic("gateway")), s.cfg.QoS, true, "offline")
		tok.WaitTimeout(s.cfg.Timeout)
	}
	s.client.Disconnect(250)
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
