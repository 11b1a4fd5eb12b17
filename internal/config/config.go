// Package config loads the gateway YAML configuration and the point overrides file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"modbus-gateway/internal/register"
)

// Root mirrors config/gateway.yaml.
type Root struct {
	Gateway     Gateway      `yaml:"gateway"`
	Logging     Logging      `yaml:"logging"`
	MQTT        MQTT         `yaml:"mqtt"`
	Metrics     Metrics      `yaml:"metrics"`
	Storage     Storage      `yaml:"storage"`
	Connections []Connection `yaml:"connections"`
	Computed    []Computed   `yaml:"computed"`
	External    []External   `yaml:"external"`
}

type Gateway struct {
	MaxGap             uint16        `yaml:"max_gap"`
	Tick               time.Duration `yaml:"tick"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	MetricsLockTimeout time.Duration `yaml:"metrics_lock_timeout"`
	MaxReconnects      int           `yaml:"max_reconnects"`
	Backoff            Backoff       `yaml:"backoff"`
	DryRun             bool          `yaml:"dry_run"`
	Timezone           string        `yaml:"timezone"`
	DedupTTL           time.Duration `yaml:"dedup_ttl"`
	Overrides          string        `yaml:"overrides"`
}

type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type MQTT struct {
	Enabled  bool          `yaml:"enabled"`
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	QoS      byte          `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type Storage struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Connection struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"` // modbus-tcp | modbus-rtu | dry-run
	// TCP
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RTU
	SerialPort string        `yaml:"serial_port"`
	BaudRate   int           `yaml:"baud_rate"`
	DataBits   int           `yaml:"data_bits"`
	StopBits   int           `yaml:"stop_bits"`
	Parity     string        `yaml:"parity"`
	Timeout    time.Duration `yaml:"timeout"`
	Devices    []Device      `yaml:"devices"`
}

type Device struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	UnitID       uint8         `yaml:"unit_id"`
	Capabilities []string      `yaml:"capabilities"`
	Interval     time.Duration `yaml:"interval"`
	Points       []Point       `yaml:"points"`
	Children     []Device      `yaml:"children"`
}

type Point struct {
	Key          string        `yaml:"key"`
	Name         string        `yaml:"name"`
	Address      uint16        `yaml:"address"`
	Count        uint16        `yaml:"count"`
	RegisterType string        `yaml:"register_type"` // holding | input
	DataType     string        `yaml:"data_type"`
	ByteOrder    string        `yaml:"byte_order"`
	Scale        float64       `yaml:"scale"`
	Precision    *int          `yaml:"precision"`
	Unit         string        `yaml:"unit"`
	Interval     time.Duration `yaml:"interval"`
	Publish      *bool         `yaml:"publish"`
	Writable     bool          `yaml:"writable"`
	Requires     []string      `yaml:"requires"`
}

type Computed struct {
	Key       string        `yaml:"key"`
	Name      string        `yaml:"name"`
	Unit      string        `yaml:"unit"`
	Rule      string        `yaml:"rule"` // transform | failover | daily | lifetime
	Op        string        `yaml:"op"`
	Silence   time.Duration `yaml:"silence"`
	Scale     float64       `yaml:"scale"`
	Precision *int          `yaml:"precision"`
	Min       *float64      `yaml:"min"`
	Max       *float64      `yaml:"max"`
	Publish   *bool         `yaml:"publish"`
	Device    string        `yaml:"device"`
	Requires  []string      `yaml:"requires"`
	Sources   []Source      `yaml:"sources"`
}

type Source struct {
	Key  string `yaml:"key"`
	Role string `yaml:"role"` // mandatory | primary | failover
}

type External struct {
	Key   string `yaml:"key"`
	Topic string `yaml:"topic"`
}

// LoadYAML reads path, expanding ${VAR} references from the environment.
// envFile, when set, is loaded into the environment first; a missing file is not an error.
func LoadYAML(path, envFile string) (Root, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Root{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, err
	}
	var cfg Root
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return Root{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return Root{}, err
	}
	return cfg, nil
}

func (c *Root) defaults() {
	g := &c.Gateway
	if g.Tick <= 0 {
		g.Tick = time.Second
	}
	if g.LockTimeout <= 0 {
		g.LockTimeout = 5 * time.Second
	}
	if g.MetricsLockTimeout <= 0 {
		g.MetricsLockTimeout = time.Second
	}
	if g.MaxReconnects < 0 {
		g.MaxReconnects = 0
	}
	if g.Backoff.Initial <= 0 {
		g.Backoff.Initial = time.Second
	}
	if g.Backoff.Max <= 0 {
		g.Backoff.Max = time.Minute
	}
	if g.DedupTTL <= 0 {
		g.DedupTTL = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = "modbus"
	}
	if c.MQTT.Timeout <= 0 {
		c.MQTT.Timeout = 10 * time.Second
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "gateway.db"
	}
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.Protocol == "" {
			conn.Protocol = "modbus-tcp"
		}
		if conn.Port == 0 {
			conn.Port = 502
		}
		if conn.Timeout <= 0 {
			conn.Timeout = 5 * time.Second
		}
		for j := range conn.Devices {
			conn.Devices[j].defaults(10 * time.Second)
		}
	}
}

// defaults propagates intervals down the tree: point, then device, then parent.
func (d *Device) defaults(parent time.Duration) {
	if d.Interval <= 0 {
		d.Interval = parent
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	for i := range d.Points {
		if d.Points[i].Interval <= 0 {
			d.Points[i].Interval = d.Interval
		}
		if d.Points[i].Scale == 0 {
			d.Points[i].Scale = 1
		}
	}
	for i := range d.Children {
		if d.Children[i].UnitID == 0 {
			d.Children[i].UnitID = d.UnitID
		}
		d.Children[i].defaults(d.Interval)
	}
}

// Walk visits every device with its connection, depth first.
func (c *Root) Walk(fn func(conn *Connection, d *Device)) {
	var visit func(conn *Connection, d *Device)
	visit = func(conn *Connection, d *Device) {
		fn(conn, d)
		for i := range d.Children {
			visit(conn, &d.Children[i])
		}
	}
	for i := range c.Connections {
		for j := range c.Connections[i].Devices {
			visit(&c.Connections[i], &c.Connections[i].Devices[j])
		}
	}
}

// Validate reports every problem found, joined.
func (c *Root) Validate() error {
	var errs []error
	if len(c.Connections) == 0 {
		errs = append(errs, errors.New("no connections configured"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Gateway.Timezone != "" {
		if _, err := time.LoadLocation(c.Gateway.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("gateway.timezone: %w", err))
		}
	}

	keys := make(map[string]string)
	claim := func(key, where string) {
		if key == "" {
			errs = append(errs, fmt.Errorf("%s: key is required", where))
			return
		}
		if prev, dup := keys[key]; dup {
			errs = append(errs, fmt.Errorf("%s: key %q already used by %s", where, key, prev))
			return
		}
		keys[key] = where
	}

	devices := make(map[string]bool)
	for i, conn := range c.Connections {
		switch strings.ToLower(conn.Protocol) {
		case "modbus-tcp", "tcp":
			if conn.Host == "" {
				errs = append(errs, fmt.Errorf("connection %d (%s): host is required", i, conn.ID))
			}
		case "modbus-rtu", "rtu":
			if conn.SerialPort == "" {
				errs = append(errs, fmt.Errorf("connection %d (%s): serial_port is required", i, conn.ID))
			}
		case "dry-run", "none":
		default:
			errs = append(errs, fmt.Errorf("connection %d (%s): unknown protocol %q", i, conn.ID, conn.Protocol))
		}
	}
	c.Walk(func(conn *Connection, d *Device) {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("connection %s: device id is required", conn.ID))
		} else if devices[d.ID] {
			errs = append(errs, fmt.Errorf("device %s: duplicate id", d.ID))
		}
		devices[d.ID] = true
		for _, p := range d.Points {
			where := "device " + d.ID + " point " + p.Key
			claim(p.Key, where)
			errs = append(errs, p.validate(where)...)
		}
	})

	for _, e := range c.External {
		claim(e.Key, "external "+e.Key)
		if e.Topic == "" {
			errs = append(errs, fmt.Errorf("external %s: topic is required", e.Key))
		}
	}
	for _, cp := range c.Computed {
		where := "computed " + cp.Key
		claim(cp.Key, where)
		switch cp.Rule {
		case "", "transform", "failover", "daily", "lifetime":
		default:
			errs = append(errs, fmt.Errorf("%s: unknown rule %q", where, cp.Rule))
		}
		if len(cp.Sources) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one source is required", where))
		}
		if cp.Min != nil && cp.Max != nil && *cp.Min > *cp.Max {
			errs = append(errs, fmt.Errorf("%s: min above max", where))
		}
		if cp.Device != "" && !devices[cp.Device] {
			errs = append(errs, fmt.Errorf("%s: unknown device %q", where, cp.Device))
		}
		for _, s := range cp.Sources {
			if _, ok := keys[s.Key]; !ok {
				errs = append(errs, fmt.Errorf("%s: source %q is not defined before it", where, s.Key))
			}
			switch s.Role {
			case "", "mandatory", "primary", "optional", "failover":
			default:
				errs = append(errs, fmt.Errorf("%s: source %s: unknown role %q", where, s.Key, s.Role))
			}
		}
	}
	return errors.Join(errs...)
}

func (p Point) validate(where string) []error {
	var errs []error
	enc, err := register.ParseEncoding(p.DataType)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", where, err))
	}
	if _, err := register.ParseKind(p.RegisterType); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", where, err))
	}
	count := p.Count
	if count == 0 && err == nil {
		count = enc.Registers()
	}
	if count > register.MaxReadRegisters {
		errs = append(errs, fmt.Errorf("%s: count %d exceeds %d", where, count, register.MaxReadRegisters))
	}
	if err == nil && p.Count != 0 && p.Count < enc.Registers() {
		errs = append(errs, fmt.Errorf("%s: count %d is narrower than %s (%d registers)", where, p.Count, enc, enc.Registers()))
	}
	if enc == register.String && p.Count == 0 {
		errs = append(errs, fmt.Errorf("%s: string points need a count", where))
	}
	if uint32(p.Address)+uint32(count) > 65536 {
		errs = append(errs, fmt.Errorf("%s: range runs past the address space", where))
	}
	return errs
}

// Location resolves the accounting timezone.
func (g Gateway) Location() *time.Location {
	if g.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
