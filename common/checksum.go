package common

import "encoding/binary"

// Sum32 folds b as little-endian 32-bit words and sums them modulo
// 2^32. A trailing partial word is zero-extended.
func Sum32(b []byte) uint32 {
	var sum uint32
	n := len(b) / 4 * 4
	for i := 0; i < n; i += 4 {
		sum += binary.LittleEndian.Uint32(b[i : i+4])
	}
	if n < len(b) {
		var last [4]byte
		copy(last[:], b[n:])
		sum += binary.LittleEndian.Uint32(last[:])
	}
	return sum
}

// Checksum computes the salted sector checksum: the bitwise complement
// of the folded word sum plus salt. A buffer whose embedded checksum
// field was produced by this function checksums to zero as a whole.
func Checksum(b []byte, salt uint32) uint32 {
	return ^(Sum32(b) + salt)
}
