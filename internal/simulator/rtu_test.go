package simulator

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/register"
)

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0xCDC5), crc16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}))
}

func rtuPipe(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go s.ServeRTU(server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	return client
}

func frame(b ...byte) []byte {
	return binary.LittleEndian.AppendUint16(b, crc16(b))
}

func TestServeRTURead(t *testing.T) {
	s := NewServer(zerolog.Nop())
	s.Unit(1).Set(register.Holding, 0, 0x00E6, 0x0032)
	c := rtuPipe(t, s)

	_, err := c.Write(frame(0x01, 0x03, 0x00, 0x00, 0x00, 0x02))
	require.NoError(t, err)

	resp := make([]byte, 9)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	assert.Equal(t, frame(0x01, 0x03, 0x04, 0x00, 0xE6, 0x00, 0x32), resp)
	assert.EqualValues(t, 1, s.Requests())
}

func TestServeRTUDropsBadCRC(t *testing.T) {
	s := NewServer(zerolog.Nop())
	s.Unit(1).Set(register.Input, 5, 7)
	c := rtuPipe(t, s)

	bad := frame(0x01, 0x04, 0x00, 0x05, 0x00, 0x01)
	bad[len(bad)-1] ^= 0xFF
	_, err := c.Write(bad)
	require.NoError(t, err)

	_, err = c.Write(frame(0x01, 0x04, 0x00, 0x05, 0x00, 0x01))
	require.NoError(t, err)
	resp := make([]byte, 7)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	assert.Equal(t, frame(0x01, 0x04, 0x02, 0x00, 0x07), resp)
	assert.EqualValues(t, 1, s.Requests())
}

func TestServeRTUWrite(t *testing.T) {
	s := NewServer(zerolog.Nop())
	u := s.Unit(2)
	c := rtuPipe(t, s)

	_, err := c.Write(frame(0x02, 0x10, 0x00, 0x0A, 0x00, 0x01, 0x02, 0x01, 0x2C))
	require.NoError(t, err)
	resp := make([]byte, 8)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	assert.Equal(t, frame(0x02, 0x10, 0x00, 0x0A, 0x00, 0x01), resp)
	assert.Equal(t, []uint16{300}, u.Get(register.Holding, 10, 1))
}
