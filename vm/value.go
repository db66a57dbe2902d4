package vm

import (
	"math"
	"unsafe"
)

// Value represents a Quill value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-number values
// are encoded in the quiet NaN space:
//
//   - Number: any bit pattern that is not our quiet NaN prefix. Numbers
//     (including infinities and "real" NaNs) round-trip bit-for-bit.
//   - Object: quiet NaN prefix + sign bit + 48-bit pointer payload.
//   - Singleton/handle: quiet NaN prefix, sign bit clear. The two least
//     significant bits select handle (00), null (01), false (10), true (11).
//     Handles stuff a raw host pointer in the remaining payload bits.
type Value uint64

const (
	// Sign bit. Set for object references.
	signBit uint64 = 1 << 63

	// Quiet NaN prefix used for the NaN-boxing technique. User arithmetic
	// never produces this exact payload, so every tagged value is
	// distinguishable from a genuine number.
	qnanBits uint64 = 0x7ffc000000000000
)

// Tag bits for non-object tagged values (the two least significant bits).
const (
	handleBits uint64 = iota // 00
	nullBits                 // 01
	falseBits                // 10
	trueBits                 // 11
	endBits
)

const tagMask uint64 = endBits - 1

// Singleton values.
const (
	Null  Value = Value(qnanBits | nullBits)
	False Value = Value(qnanBits | falseBits)
	True  Value = Value(qnanBits | trueBits)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNum returns true if v holds a number. Any bit pattern outside the
// reserved quiet NaN payload is a number, including Inf and real NaNs.
func (v Value) IsNum() bool {
	return uint64(v)&qnanBits != qnanBits
}

// IsObj returns true if v holds a heap object reference.
func (v Value) IsObj() bool {
	return uint64(v)&(qnanBits|signBit) == (qnanBits | signBit)
}

// IsNull returns true if v is the null singleton.
func (v Value) IsNull() bool {
	return v == Null
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return uint64(v)&uint64(False) == uint64(False)
}

// IsHandle returns true if v holds a raw host handle.
func (v Value) IsHandle() bool {
	return uint64(v)&(signBit|uint64(True)) == qnanBits
}

// IsInt returns true if v is a number with an exact integer representation.
func (v Value) IsInt() bool {
	if !v.IsNum() {
		return false
	}
	n := v.Num()
	return float64(int64(n)) == n
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NumVal creates a Value from a float64.
func NumVal(n float64) Value {
	return Value(math.Float64bits(n))
}

// BoolVal creates a Value from a bool.
func BoolVal(b bool) Value {
	if b {
		return True
	}
	return False
}

// HandleVal creates a Value from a raw host pointer.
func HandleVal(p unsafe.Pointer) Value {
	return Value(qnanBits | uint64(uintptr(p))<<2)
}

// ObjVal creates a Value from an object header pointer.
func ObjVal(o *Obj) Value {
	return Value(signBit | qnanBits | uint64(uintptr(unsafe.Pointer(o))))
}

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------
//
// Extractors fail fast on a mismatched tag: callers are expected to have
// checked the variant already, so a mismatch is an internal invariant
// violation, not a recoverable condition.

// Num returns v as a float64. Panics if v is not a number.
func (v Value) Num() float64 {
	if !v.IsNum() {
		panic("Value.Num: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// Bool returns v as a bool. Panics if v is not a boolean.
func (v Value) Bool() bool {
	if !v.IsBool() {
		panic("Value.Bool: not a boolean")
	}
	return v == True
}

// Handle returns the raw host pointer stored in v. Panics if v is not a
// handle.
func (v Value) Handle() unsafe.Pointer {
	if !v.IsHandle() {
		panic("Value.Handle: not a handle")
	}
	return unsafe.Pointer(uintptr((uint64(v) &^ qnanBits) >> 2))
}

// Object returns the object header stored in v. Panics if v is not an
// object reference.
func (v Value) Object() *Obj {
	if !v.IsObj() {
		panic("Value.Object: not an object")
	}
	return (*Obj)(unsafe.Pointer(uintptr(uint64(v) &^ (signBit | qnanBits))))
}

// ---------------------------------------------------------------------------
// Semantics helpers
// ---------------------------------------------------------------------------

// ToBool returns the truth value of v. Only false and null are falsy.
func (v Value) ToBool() bool {
	if v.IsBool() {
		return v == True
	}
	return !v.IsNull()
}

// ValueEquals performs a raw equality test of two values. Numbers compare by
// IEEE semantics (so NaN != NaN and 0.0 == -0.0); everything else compares
// by identity.
func ValueEquals(a, b Value) bool {
	if a.IsNum() && b.IsNum() {
		return a.Num() == b.Num()
	}
	return a == b
}
