package multiplex

import "errors"

// mplex varints are unsigned LEB128: little-endian groups of 7 bits, MSB set
// on continuation. A uint64 needs at most 10 bytes.
const maxVarintLen = 10

// errVarintShort means the input ended before the varint terminated. It is
// recoverable: the decoder holds on to what it has and waits for more bytes.
var errVarintShort = errors.New("varint: short input")

// errVarintOverflow means the varint ran past 10 bytes or past 64 bits. It is
// not recoverable.
var errVarintOverflow = errors.New("varint: overflows uint64")

// appendUvarint appends the LEB128 encoding of x to dst.
func appendUvarint(dst []byte, x uint64) []byte {
	for x >= 0x80 {
		dst = append(dst, byte(x)|0x80)
		x >>= 7
	}
	return append(dst, byte(x))
}

// uvarintLen returns the encoded size of x in bytes.
func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// readUvarint decodes one varint from bl starting at byte offset off. It
// returns the value and the number of bytes consumed.
func readUvarint(bl *byteList, off int) (uint64, int, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		if off+i >= bl.Len() {
			return 0, 0, errVarintShort
		}
		if i == maxVarintLen {
			return 0, 0, errVarintOverflow
		}
		b := bl.At(off + i)
		if b < 0x80 {
			if i == maxVarintLen-1 && b > 1 {
				// the 10th byte may only carry the top bit of a uint64
				return 0, 0, errVarintOverflow
			}
			return x | uint64(b)<<s, i + 1, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}
