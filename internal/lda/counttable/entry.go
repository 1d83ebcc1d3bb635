package counttable

import "math"

// EmptyKey is the reserved topic id marking a vacant slot. Topic ids must be
// strictly below it.
const EmptyKey = math.MaxUint32

// emptyWord is the packed representation of a vacant slot.
const emptyWord = uint64(EmptyKey) << 32

// pack combines a topic id and a signed count into one machine word: the
// topic occupies the high 32 bits, the count the low 32 as two's complement.
// Keeping the pair in a single word is what lets every table mutation be one
// compare-and-swap.
func pack(topic uint32, count int32) uint64 {
	return uint64(topic)<<32 | uint64(uint32(count))
}

// unpack splits a packed slot word back into its topic id and signed count.
func unpack(w uint64) (topic uint32, count int32) {
	return uint32(w >> 32), int32(uint32(w))
}

// oddInverse returns the multiplicative inverse of a modulo 2^32. a must be
// odd. Four Newton steps double the correct low bits each time, which is
// enough to cover the full word.
func oddInverse(a uint32) uint32 {
	x := (a * 3) ^ 2 // 5 correct bits
	x *= 2 - a*x     // 10
	x *= 2 - a*x     // 20
	x *= 2 - a*x     // 40 >= 32
	return x
}
