// Package register describes register address spaces, numeric encodings and
// the contiguous windows read from a device in a single transaction.
package register

import (
	"errors"
	"fmt"
	"strings"
)

// MaxReadRegisters is the protocol limit for one read holding/input registers request.
const MaxReadRegisters uint16 = 125

var (
	ErrShortPayload    = errors.New("register: payload shorter than encoding")
	ErrUnknownEncoding = errors.New("register: unknown encoding")
	ErrUnknownKind     = errors.New("register: unknown input kind")
)

// Kind selects one of the two disjoint register address spaces of a device.
type Kind uint8

const (
	Holding Kind = iota
	Input
)

func (k Kind) String() string {
	switch k {
	case Holding:
		return "holding"
	case Input:
		return "input"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts the same spellings as the register_type config field.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "holding", "holding_register", "fc3", "3":
		return Holding, nil
	case "input", "input_register", "fc4", "4":
		return Input, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Window is a contiguous register range on one unit and address space.
type Window struct {
	Unit  uint8
	Kind  Kind
	Start uint16
	Count uint16
}

// End returns the first address after the window.
func (w Window) End() uint32 { return uint32(w.Start) + uint32(w.Count) }

// Covers reports whether [address, address+count) lies inside the window.
func (w Window) Covers(address, count uint16) bool {
	return address >= w.Start && uint32(address)+uint32(count) <= w.End()
}

// Overlaps reports whether [address, address+count) shares a register with the window.
func (w Window) Overlaps(address, count uint16) bool {
	return count > 0 && uint32(address) < w.End() && uint32(address)+uint32(count) > uint32(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("unit=%d %s [%d,%d)", w.Unit, w.Kind, w.Start, w.End())
}
