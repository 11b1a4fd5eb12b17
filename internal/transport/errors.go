package transport

import (
	"errors"

	mb "github.com/goburrow/modbus"
)

// ErrDisconnected is returned when a transaction is attempted without a connection.
var ErrDisconnected = errors.New("transport: not connected")

// IsDeviceException reports whether the device answered with an exception code.
// These are window level: the connection itself is healthy.
func IsDeviceException(err error) bool {
	var me *mb.ModbusError
	return errors.As(err, &me)
}

// IsAddressInvalid reports the permanent "illegal data address" exception.
func IsAddressInvalid(err error) bool {
	var me *mb.ModbusError
	return errors.As(err, &me) && me.ExceptionCode == mb.ExceptionCodeIllegalDataAddress
}

// IsConnectionError reports failures that require closing and reopening the connection.
func IsConnectionError(err error) bool {
	return err != nil && !IsDeviceException(err)
}
