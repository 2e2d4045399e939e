package sats

// Go has no native integer width beyond 64 bits, so the 128/256-bit members
// of the typespace are represented as fixed-size little-endian byte arrays.
// This mirrors the byte layout BSATN puts on the wire, so encode/decode for
// these types is a straight copy rather than a bit-shuffling conversion.

// Int128 is a little-endian two's-complement 128-bit signed integer.
type Int128 [16]byte

// Uint128 is a little-endian 128-bit unsigned integer.
type Uint128 [16]byte

// Int256 is a little-endian two's-complement 256-bit signed integer.
type Int256 [32]byte

// Uint256 is a little-endian 256-bit unsigned integer.
type Uint256 [32]byte

func (v Uint128) IsZero() bool { return v == Uint128{} }
func (v Uint256) IsZero() bool { return v == Uint256{} }

// Uint128FromUint64 widens a uint64 into a Uint128, little-endian.
func Uint128FromUint64(lo uint64) Uint128 {
	var v Uint128
	putUint64LE(v[0:8], lo)
	return v
}

// Uint256FromUint64 widens a uint64 into a Uint256, little-endian.
func Uint256FromUint64(lo uint64) Uint256 {
	var v Uint256
	putUint64LE(v[0:8], lo)
	return v
}

func putUint64LE(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
