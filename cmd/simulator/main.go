package main

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"modbus-gateway/internal/register"
	"modbus-gateway/internal/simulator"
)

type simConfig struct {
	Listen         string        `yaml:"listen"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	CSVFile        string        `yaml:"csv_file"`
	Serial         *simSerial    `yaml:"serial"`
	Units          []simUnit     `yaml:"units"`
}

// simSerial additionally serves the same units as an RTU slave.
type simSerial struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

type simUnit struct {
	ID        uint8         `yaml:"id"`
	Registers []simRegister `yaml:"registers"`
	// Invalid spans answer with illegal data address; Fail spans with device failure.
	Invalid []simSpan `yaml:"invalid"`
	Fail    []simSpan `yaml:"fail"`
}

type simRegister struct {
	Type      string  `yaml:"type"`
	Address   uint16  `yaml:"address"`
	DataType  string  `yaml:"data_type"`
	ByteOrder string  `yaml:"byte_order"`
	Value     float64 `yaml:"value"`
	CSVColumn string  `yaml:"csv_column"`
	Scale     float64 `yaml:"scale"`
	Offset    float64 `yaml:"offset"`
}

type simSpan struct {
	Type  string `yaml:"type"`
	Start uint16 `yaml:"start"`
	Count uint16 `yaml:"count"`
}

type binding struct {
	unit   *simulator.Unit
	kind   register.Kind
	enc    register.Encoding
	order  string
	addr   uint16
	column string
	scale  float64
	offset float64
}

type replay struct {
	bindings []binding
	rows     []map[string]float64
	mu       sync.Mutex
	row      int
	log      zerolog.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/simulator.yaml", "Path to simulator configuration")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if err := run(configPath, log); err != nil {
		log.Fatal().Err(err).Msg("simulator stopped")
	}
}

func run(configPath string, log zerolog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv := simulator.NewServer(log)
	r, err := newReplay(cfg, srv, log)
	if err != nil {
		return err
	}
	if err := srv.Listen(cfg.Listen); err != nil {
		return fmt.Errorf("start modbus server: %w", err)
	}
	defer srv.Close()
	log.Info().Stringer("addr", srv.Addr()).Int("units", len(cfg.Units)).Msg("modbus simulator listening")

	if sc := cfg.Serial; sc != nil {
		port, err := simulator.OpenSerial(simulator.SerialConfig{
			Address:  sc.Port,
			BaudRate: sc.BaudRate,
			DataBits: sc.DataBits,
			StopBits: sc.StopBits,
			Parity:   sc.Parity,
		})
		if err != nil {
			return fmt.Errorf("open serial %s: %w", sc.Port, err)
		}
		defer port.Close()
		go srv.ServeRTU(port)
		log.Info().Str("port", sc.Port).Msg("serving modbus rtu")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	r.run(ctx, cfg.UpdateInterval)
	log.Info().Int64("requests", srv.Requests()).Msg("shutting down simulator")
	return nil
}

func loadConfig(path string) (simConfig, error) {
	var cfg simConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:1502"
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	return cfg, nil
}

func newReplay(cfg simConfig, srv *simulator.Server, log zerolog.Logger) (*replay, error) {
	r := &replay{log: log}
	for _, u := range cfg.Units {
		unit := srv.Unit(u.ID)
		for _, reg := range u.Registers {
			b, err := newBinding(unit, reg)
			if err != nil {
				return nil, fmt.Errorf("unit %d register %d: %w", u.ID, reg.Address, err)
			}
			if err := b.set(reg.Value); err != nil {
				return nil, fmt.Errorf("unit %d register %d: %w", u.ID, reg.Address, err)
			}
			if b.column != "" {
				r.bindings = append(r.bindings, b)
			}
		}
		for _, s := range u.Invalid {
			kind, err := register.ParseKind(s.Type)
			if err != nil {
				return nil, err
			}
			unit.Invalidate(kind, s.Start, s.Count)
		}
		for _, s := range u.Fail {
			kind, err := register.ParseKind(s.Type)
			if err != nil {
				return nil, err
			}
			unit.Fail(kind, s.Start, s.Count)
		}
	}
	if cfg.CSVFile != "" {
		rows, err := loadCSV(cfg.CSVFile)
		if err != nil {
			return nil, fmt.Errorf("load csv: %w", err)
		}
		r.rows = rows
	}
	return r, nil
}

func newBinding(unit *simulator.Unit, reg simRegister) (binding, error) {
	kind, err := register.ParseKind(reg.Type)
	if err != nil {
		return binding{}, err
	}
	enc, err := register.ParseEncoding(reg.DataType)
	if err != nil {
		return binding{}, err
	}
	scale := reg.Scale
	if scale == 0 {
		scale = 1
	}
	return binding{
		unit:   unit,
		kind:   kind,
		enc:    enc,
		order:  reg.ByteOrder,
		addr:   reg.Address,
		column: reg.CSVColumn,
		scale:  scale,
		offset: reg.Offset,
	}, nil
}

func (b binding) set(v float64) error {
	payload, err := register.Encode(v*b.scale+b.offset, b.enc, b.order)
	if err != nil {
		return err
	}
	words := make([]uint16, len(payload)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	b.unit.Set(b.kind, b.addr, words...)
	return nil
}

func (r *replay) run(ctx context.Context, period time.Duration) {
	if len(r.rows) == 0 || len(r.bindings) == 0 {
		<-ctx.Done()
		return
	}
	r.apply(0)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.next()
		case <-ctx.Done():
			return
		}
	}
}

func (r *replay) next() {
	r.mu.Lock()
	r.row = (r.row + 1) % len(r.rows)
	i := r.row
	r.mu.Unlock()
	r.apply(i)
}

func (r *replay) apply(i int) {
	row := r.rows[i]
	for _, b := range r.bindings {
		raw, ok := row[b.column]
		if !ok {
			r.log.Warn().Str("column", b.column).Msg("column not found in csv data")
			continue
		}
		if err := b.set(raw); err != nil {
			r.log.Warn().Err(err).Str("column", b.column).Uint16("address", b.addr).Msg("set register")
		}
	}
}

func loadCSV(path string) ([]map[string]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one data row")
	}

	header := records[0]
	rows := make([]map[string]float64, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) != len(header) {
			return nil, errors.New("csv record length mismatch")
		}
		row := make(map[string]float64, len(header))
		for i, key := range header {
			val, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value for column %s: %w", key, err)
			}
			row[key] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}
