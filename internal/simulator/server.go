// Package simulator implements a small Modbus TCP server exposing per-unit
// holding and input register banks. It backs integration tests and cmd/simulator.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/register"
)

const (
	functionReadHoldingRegs   = 0x03
	functionReadInputRegs     = 0x04
	functionWriteMultipleRegs = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
	exceptionDeviceFailure   = 0x04
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errUnknownUnit   = errors.New("unknown unit")
)

// Unit is the register image of one device behind the server.
type Unit struct {
	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	invalid  [2][]span
	failures [2][]span
}

type span struct{ start, end uint32 }

func newUnit() *Unit {
	return &Unit{holding: make([]uint16, 65536), input: make([]uint16, 65536)}
}

func (u *Unit) bank(kind register.Kind) []uint16 {
	if kind == register.Input {
		return u.input
	}
	return u.holding
}

// Set stores values starting at address.
func (u *Unit) Set(kind register.Kind, address uint16, values ...uint16) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b := u.bank(kind)
	for i, v := range values {
		if int(address)+i < len(b) {
			b[int(address)+i] = v
		}
	}
}

// Get returns count registers starting at address.
func (u *Unit) Get(kind register.Kind, address, count uint16) []uint16 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]uint16, count)
	copy(out, u.bank(kind)[address:])
	return out
}

// Invalidate makes any request touching [start, start+count) answer "illegal data address".
func (u *Unit) Invalidate(kind register.Kind, start, count uint16) {
	u.mu.Lock()
	u.invalid[kind] = append(u.invalid[kind], span{uint32(start), uint32(start) + uint32(count)})
	u.mu.Unlock()
}

// Fail makes requests touching the range answer "slave device failure".
func (u *Unit) Fail(kind register.Kind, start, count uint16) {
	u.mu.Lock()
	u.failures[kind] = append(u.failures[kind], span{uint32(start), uint32(start) + uint32(count)})
	u.mu.Unlock()
}

func overlaps(spans []span, start, end uint32) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

// Server implements a minimal Modbus TCP server multiplexing unit ids.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger

	mu    sync.RWMutex
	units map[uint8]*Unit

	requests atomic.Int64
}

func NewServer(log zerolog.Logger) *Server {
	return &Server{
		units: make(map[uint8]*Unit),
		quit:  make(chan struct{}),
		log:   log.With().Str("component", "simulator").Logger(),
	}
}

// Unit returns the register image for id, creating it on first use.
func (s *Server) Unit(id uint8) *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		u = newUnit()
		s.units[id] = u
	}
	return u
}

// Requests is the number of PDUs handled so far.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Listen starts accepting Modbus TCP connections on the provided address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	go func() {
		<-s.quit
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}
		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(unitID, pdu)
		s.requests.Add(1)

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		if _, err := conn.Write(append(append([]byte{}, header...), response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(unitID uint8, pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}
	s.mu.RLock()
	u, ok := s.units[unitID]
	s.mu.RUnlock()

	function := pdu[0]
	if !ok {
		s.log.Debug().Uint8("unit", unitID).Msg("request for unknown unit")
		return exceptionResponse(function, errToCode(errUnknownUnit))
	}
	switch function {
	case functionReadHoldingRegs, functionReadInputRegs:
		kind := register.Holding
		if function == functionReadInputRegs {
			kind = register.Input
		}
		data, err := u.readRegisters(kind, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionWriteMultipleRegs:
		if err := u.writeRegisters(pdu); err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return pdu[:5]
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

var errDeviceFailure = errors.New("device failure")

func (u *Unit) readRegisters(kind register.Kind, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > register.MaxReadRegisters {
		return nil, errInvalidQty
	}
	end := uint32(start) + uint32(quantity)
	if end > 65536 {
		return nil, errOutOfRange
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if overlaps(u.invalid[kind], uint32(start), end) {
		return nil, errOutOfRange
	}
	if overlaps(u.failures[kind], uint32(start), end) {
		return nil, errDeviceFailure
	}
	source := u.bank(kind)
	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], source[int(start)+i])
	}
	return result, nil
}

func (u *Unit) writeRegisters(pdu []byte) error {
	if len(pdu) < 6 {
		return errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if quantity == 0 || byteCount != int(quantity)*2 || len(pdu) < 6+byteCount {
		return errInvalidQty
	}
	end := uint32(start) + uint32(quantity)
	if end > 65536 {
		return errOutOfRange
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if overlaps(u.invalid[register.Holding], uint32(start), end) {
		return errOutOfRange
	}
	for i := 0; i < int(quantity); i++ {
		u.holding[int(start)+i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}
	return nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	case errors.Is(err, errDeviceFailure), errors.Is(err, errUnknownUnit):
		return exceptionDeviceFailure
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server and waits for all goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) String() string {
	if s.listener == nil {
		return "simulator(unbound)"
	}
	return fmt.Sprintf("simulator(%s)", s.listener.Addr())
}
