// Command probe reads every configured point straight from the wire and prints
// the decoded values. Nothing is scheduled, coalesced or published.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/config"
	"modbus-gateway/internal/register"
	"modbus-gateway/internal/sensor"
	"modbus-gateway/internal/transport"
)

func main() {
	var (
		configPath string
		envFile    string
		only       string
		repeat     time.Duration
	)
	flag.StringVar(&configPath, "config", "config/gateway.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env", ".env", "Optional dotenv file")
	flag.StringVar(&only, "device", "", "Only probe this device id")
	flag.DurationVar(&repeat, "repeat", 0, "Probe again at this interval (0 = once)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.LoadYAML(configPath, envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	for {
		for i := range cfg.Connections {
			probeConnection(&cfg.Connections[i], only, log)
		}
		if repeat <= 0 {
			return
		}
		time.Sleep(repeat)
	}
}

func probeConnection(c *config.Connection, only string, log zerolog.Logger) {
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
	wire, err := transport.NewWire(settings)
	if err != nil {
		log.Error().Err(err).Str("connection", c.ID).Msg("build wire")
		return
	}
	conn := transport.New(settings.Key(), wire, nil, log)
	if err := conn.Connect(); err != nil {
		log.Error().Err(err).Str("connection", c.ID).Msg("connect")
		return
	}
	defer conn.Close()

	var visit func(d *config.Device)
	visit = func(d *config.Device) {
		if only == "" || only == d.ID {
			for _, pc := range d.Points {
				fmt.Printf("%-12s %s\n", d.ID, readPoint(conn, d.UnitID, pc))
			}
		}
		for i := range d.Children {
			visit(&d.Children[i])
		}
	}
	for i := range c.Devices {
		visit(&c.Devices[i])
	}
}

func readPoint(conn *transport.Transport, unit uint8, pc config.Point) string {
	kind, err := register.ParseKind(pc.RegisterType)
	if err != nil {
		return pc.Key + ": " + err.Error()
	}
	enc, err := register.ParseEncoding(pc.DataType)
	if err != nil {
		return pc.Key + ": " + err.Error()
	}
	p := sensor.NewRegisterPoint(pc.Key, pc.Name, unit, kind, pc.Address, pc.Count, enc)
	p.ByteOrder = pc.ByteOrder
	p.Scale = pc.Scale
	if pc.Precision != nil {
		p.Precision = *pc.Precision
	}

	payload, err := conn.ReadPoint(unit, kind, p.Address, p.Count)
	if err != nil {
		return fmt.Sprintf("%s (%s@%d) error: %v", pc.Key, kind, pc.Address, err)
	}
	s, err := p.Decode(payload, time.Now())
	if err != nil {
		return fmt.Sprintf("%s (%s@%d) decode: %v", pc.Key, kind, pc.Address, err)
	}
	return strings.TrimSpace(fmt.Sprintf("%s (%s@%d) = %s %s", pc.Key, kind, pc.Address, p.Format(s), pc.Unit))
}
