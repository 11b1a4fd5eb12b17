package simulator

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/goburrow/serial"
)

// SerialConfig configures the port ServeSerial answers on.
type SerialConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

func (c *SerialConfig) defaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// OpenSerial opens a real or virtual (socat pty) serial port.
func OpenSerial(c SerialConfig) (io.ReadWriteCloser, error) {
	c.defaults()
	return serial.Open(&serial.Config{
		Address:  c.Address,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.Timeout,
	})
}

// ServeRTU answers RTU frames on rw until a read fails. Frames with a bad
// CRC are dropped without a reply, as a real slave would.
func (s *Server) ServeRTU(rw io.ReadWriter) {
	head := make([]byte, 2)
	for {
		if _, err := io.ReadFull(rw, head); err != nil {
			return
		}
		unitID, function := head[0], head[1]

		var body []byte
		switch function {
		case functionReadHoldingRegs, functionReadInputRegs:
			body = make([]byte, 4)
			if _, err := io.ReadFull(rw, body); err != nil {
				return
			}
		case functionWriteMultipleRegs:
			hdr := make([]byte, 5)
			if _, err := io.ReadFull(rw, hdr); err != nil {
				return
			}
			payload := make([]byte, int(hdr[4]))
			if _, err := io.ReadFull(rw, payload); err != nil {
				return
			}
			body = append(hdr, payload...)
		default:
			// frame length unknown, the stream cannot be resynchronised
			s.log.Debug().Uint8("function", function).Msg("unsupported rtu function, closing stream")
			return
		}
		tail := make([]byte, 2)
		if _, err := io.ReadFull(rw, tail); err != nil {
			return
		}

		frame := append([]byte{unitID, function}, body...)
		if crc16(frame) != binary.LittleEndian.Uint16(tail) {
			s.log.Debug().Uint8("unit", unitID).Msg("rtu crc mismatch, frame dropped")
			continue
		}
		response := s.handlePDU(unitID, frame[1:])
		s.requests.Add(1)

		out := append([]byte{unitID}, response...)
		out = binary.LittleEndian.AppendUint16(out, crc16(out))
		if _, err := rw.Write(out); err != nil {
			return
		}
	}
}

// crc16 is the Modbus RTU CRC.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
