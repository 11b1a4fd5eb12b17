package register

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Encoding is the numeric (or text) representation of a register value.
type Encoding string

const (
	Uint16  Encoding = "uint16"
	Int16   Encoding = "int16"
	Uint32  Encoding = "uint32"
	Int32   Encoding = "int32"
	Uint64  Encoding = "uint64"
	Int64   Encoding = "int64"
	Float32 Encoding = "float32"
	String  Encoding = "string"
)

// ParseEncoding normalises a data_type config value. Empty means uint16.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return Uint16, nil
	case "u16":
		return Uint16, nil
	case "s16", "i16":
		return Int16, nil
	case "u32":
		return Uint32, nil
	case "s32", "i32":
		return Int32, nil
	case "u64":
		return Uint64, nil
	case "s64", "i64":
		return Int64, nil
	case "f32", "float":
		return Float32, nil
	case "utf-8", "utf8", "text":
		return String, nil
	case Uint16, Int16, Uint32, Int32, Uint64, Int64, Float32, String:
		return e, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
	}
}

// Registers is the number of registers the encoding occupies. Text has no
// natural width and returns 0; its count comes from configuration.
func (e Encoding) Registers() uint16 {
	switch e {
	case Uint16, Int16:
		return 1
	case Uint32, Int32, Float32:
		return 2
	case Uint64, Int64:
		return 4
	default:
		return 0
	}
}

// Value is a decoded register payload.
type Value struct {
	Number float64
	Text   string
	IsText bool
}

// Decode interprets payload using enc. Multi-register values are reordered
// per order first ("ABCD" big-endian default, "DCBA", "BADC", "CDAB").
func Decode(payload []byte, enc Encoding, order string) (Value, error) {
	if enc == String {
		return Value{Text: decodeText(payload), IsText: true}, nil
	}
	need := int(enc.Registers()) * 2
	if need == 0 {
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
	if len(payload) < need {
		return Value{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, enc, need, len(payload))
	}
	b := reorder(payload[:need], order)

	switch enc {
	case Uint16:
		return Value{Number: float64(binary.BigEndian.Uint16(b))}, nil
	case Int16:
		return Value{Number: float64(int16(binary.BigEndian.Uint16(b)))}, nil
	case Uint32:
		return Value{Number: float64(binary.BigEndian.Uint32(b))}, nil
	case Int32:
		return Value{Number: float64(int32(binary.BigEndian.Uint32(b)))}, nil
	case Float32:
		return Value{Number: float64(math.Float32frombits(binary.BigEndian.Uint32(b)))}, nil
	case Uint64:
		return Value{Number: float64(binary.BigEndian.Uint64(b))}, nil
	case Int64:
		return Value{Number: float64(int64(binary.BigEndian.Uint64(b)))}, nil
	}
	return Value{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
}

// reorder returns a big-endian copy of in according to the byte-order string.
// Orders apply per 32-bit group; 16-bit values only honour byte swapping.
func reorder(in []byte, order string) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	order = strings.ToUpper(strings.TrimSpace(order))
	if len(in) == 2 {
		if order == "BA" || order == "DCBA" || order == "BADC" {
			out[0], out[1] = in[1], in[0]
		}
		return out
	}
	switch order {
	case "DCBA":
		for i := range in {
			out[i] = in[len(in)-1-i]
		}
	case "BADC":
		for i := 0; i+1 < len(in); i += 2 {
			out[i], out[i+1] = in[i+1], in[i]
		}
	case "CDAB":
		// word swap: least significant word first
		words := len(in) / 2
		for w := 0; w < words; w++ {
			src := (words - 1 - w) * 2
			out[w*2], out[w*2+1] = in[src], in[src+1]
		}
	}
	return out
}

func decodeText(payload []byte) string {
	end := len(payload)
	for end > 0 && (payload[end-1] == 0 || payload[end-1] == ' ') {
		end--
	}
	var sb strings.Builder
	for _, c := range payload[:end] {
		if c == 0 {
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
