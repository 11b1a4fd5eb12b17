package register

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode is the inverse of Decode for numeric encodings. The value is
// rounded to the nearest integer for integer encodings.
func Encode(v float64, enc Encoding, order string) ([]byte, error) {
	n := int(enc.Registers()) * 2
	if n == 0 || enc == String {
		return nil, fmt.Errorf("%w: cannot encode %q", ErrUnknownEncoding, enc)
	}
	b := make([]byte, n)
	r := math.Round(v)
	switch enc {
	case Uint16:
		binary.BigEndian.PutUint16(b, uint16(r))
	case Int16:
		binary.BigEndian.PutUint16(b, uint16(int16(r)))
	case Uint32:
		binary.BigEndian.PutUint32(b, uint32(r))
	case Int32:
		binary.BigEndian.PutUint32(b, uint32(int32(r)))
	case Float32:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Uint64:
		binary.BigEndian.PutUint64(b, uint64(r))
	case Int64:
		binary.BigEndian.PutUint64(b, uint64(int64(r)))
	}
	// every supported order is its own inverse
	return reorder(b, order), nil
}
