package world

import (
	"fmt"
	"math"
)

// Bitmask is a fixed-width set of permission flags. A speaker's talk bits must
// intersect a listener's listen bits for state or audio to propagate.
type Bitmask uint64

// Intersects reports whether b and o share at least one set bit.
func (b Bitmask) Intersects(o Bitmask) bool { return b&o != 0 }

// String renders the mask in binary, e.g. "0b101".
func (b Bitmask) String() string { return fmt.Sprintf("0b%b", uint64(b)) }

// PropertyKey identifies an entry in an entity's property bag.
type PropertyKey uint16

// Kind tags the dynamic type held by a [Value].
type Kind uint8

const (
	KindAbsent Kind = iota
	KindByte
	KindInt
	KindUint
	KindFloat
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindByte:
		return "byte"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Value is a tagged union stored in the property bag. The zero value is
// absent. Values are immutable and safe to copy.
type Value struct {
	kind Kind
	bits uint64
}

// Absent is the value of an unset property.
var Absent = Value{}

func ByteValue(v byte) Value { return Value{kind: KindByte, bits: uint64(v)} }
func IntValue(v int32) Value { return Value{kind: KindInt, bits: uint64(uint32(v))} }
func UintValue(v uint32) Value { return Value{kind: KindUint, bits: uint64(v)} }
func FloatValue(v float32) Value { return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))} }

// Kind returns the tag of v.
func (v Value) Kind() Kind { return v.kind }

// Equal reports whether v and o hold the same kind and payload.
func (v Value) Equal(o Value) bool { return v == o }

// IsAbsent reports whether v carries no value.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Byte returns the byte payload; ok is false for any other kind.
func (v Value) Byte() (b byte, ok bool) {
	if v.kind != KindByte {
		return 0, false
	}
	return byte(v.bits), true
}

// Int returns the int32 payload; ok is false for any other kind.
func (v Value) Int() (i int32, ok bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return int32(uint32(v.bits)), true
}

// Uint returns the uint32 payload; ok is false for any other kind.
func (v Value) Uint() (u uint32, ok bool) {
	if v.kind != KindUint {
		return 0, false
	}
	return uint32(v.bits), true
}

// Float returns the float32 payload; ok is false for any other kind.
func (v Value) Float() (f float32, ok bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return math.Float32frombits(uint32(v.bits)), true
}

// String formats the value with its kind, e.g. "int(-3)".
func (v Value) String() string {
	switch v.kind {
	case KindByte:
		b, _ := v.Byte()
		return fmt.Sprintf("byte(%d)", b)
	case KindInt:
		i, _ := v.Int()
		return fmt.Sprintf("int(%d)", i)
	case KindUint:
		u, _ := v.Uint()
		return fmt.Sprintf("uint(%d)", u)
	case KindFloat:
		f, _ := v.Float()
		return fmt.Sprintf("float(%g)", f)
	default:
		return "absent"
	}
}
