package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-gateway/internal/lock"
	"modbus-gateway/internal/register"
)

// Wire is the request/response primitive of one physical connection.
// Implementations are not safe for concurrent transactions; callers
// serialise them with the connection lock.
type Wire interface {
	Connect() error
	Close() error
	Read(unit uint8, kind register.Kind, address, count uint16) ([]byte, error)
	Write(unit uint8, address uint16, payload []byte) error
}

// Settings selects and configures a wire.
type Settings struct {
	Protocol string // modbus-tcp | modbus-rtu
	Host     string
	Port     int

	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string

	Timeout time.Duration
}

// Key is the connection lock key of these settings.
func (s Settings) Key() string {
	switch normalizeProtocol(s.Protocol) {
	case "tcp":
		return lock.Key(s.Host, s.Port)
	case "rtu":
		return s.SerialPort
	default:
		return lock.NoConnection
	}
}

func normalizeProtocol(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "modbus-tcp", "tcp", "":
		return "tcp"
	case "modbus-rtu", "rtu":
		return "rtu"
	case "dry-run", "none":
		return "none"
	default:
		return p
	}
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

type modbusWire struct {
	handler handlerWithConn
	client  mb.Client
	setUnit func(uint8)
}

// NewWire builds a goburrow TCP or RTU backed wire.
func NewWire(s Settings) (Wire, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch normalizeProtocol(s.Protocol) {
	case "tcp":
		if s.Host == "" || s.Port <= 0 {
			return nil, fmt.Errorf("tcp wire requires host and port, got %q:%d", s.Host, s.Port)
		}
		h := mb.NewTCPClientHandler(lock.Key(s.Host, s.Port))
		h.Timeout = timeout
		return &modbusWire{handler: h, client: mb.NewClient(h), setUnit: func(u uint8) { h.SlaveId = u }}, nil
	case "rtu":
		port := strings.TrimSpace(s.SerialPort)
		if port == "" {
			return nil, errors.New("serial_port is required for RTU")
		}
		h := mb.NewRTUClientHandler(port)
		if s.BaudRate > 0 {
			h.BaudRate = s.BaudRate
		}
		if s.DataBits > 0 {
			h.DataBits = s.DataBits
		}
		if s.StopBits > 0 {
			h.StopBits = s.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(s.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		return &modbusWire{handler: h, client: mb.NewClient(h), setUnit: func(u uint8) { h.SlaveId = u }}, nil
	case "none":
		return NewDryRunWire(), nil
	default:
		return nil, fmt.Errorf("protocol %s not implemented", s.Protocol)
	}
}

func (w *modbusWire) Connect() error { return w.handler.Connect() }
func (w *modbusWire) Close() error   { return w.handler.Close() }

func (w *modbusWire) Read(unit uint8, kind register.Kind, address, count uint16) ([]byte, error) {
	w.setUnit(unit)
	switch kind {
	case register.Holding:
		return w.client.ReadHoldingRegisters(address, count)
	case register.Input:
		return w.client.ReadInputRegisters(address, count)
	default:
		return nil, fmt.Errorf("%w: %s", register.ErrUnknownKind, kind)
	}
}

func (w *modbusWire) Write(unit uint8, address uint16, payload []byte) error {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return fmt.Errorf("write payload must be whole registers, got %d bytes", len(payload))
	}
	w.setUnit(unit)
	_, err := w.client.WriteMultipleRegisters(address, uint16(len(payload)/2), payload)
	return err
}

// DryRunWire answers every read with zeroed registers and remembers writes.
type DryRunWire struct {
	mu     sync.Mutex
	Writes []DryRunWrite
}

type DryRunWrite struct {
	Unit    uint8
	Address uint16
	Payload []byte
}

func NewDryRunWire() *DryRunWire { return &DryRunWire{} }

func (d *DryRunWire) Connect() error { return nil }
func (d *DryRunWire) Close() error   { return nil }

func (d *DryRunWire) Read(_ uint8, _ register.Kind, _ uint16, count uint16) ([]byte, error) {
	return make([]byte, int(count)*2), nil
}

func (d *DryRunWire) Write(unit uint8, address uint16, payload []byte) error {
	d.mu.Lock()
	d.Writes = append(d.Writes, DryRunWrite{Unit: unit, Address: address, Payload: append([]byte(nil), payload...)})
	d.mu.Unlock()
	return nil
}
