// Package rtpseq contains utilities to compare RTP sequence numbers
// and timestamps, which are cyclic counters (16 and 32 bits) and must
// never be compared with plain integer ordering.
package rtpseq

// Diff returns the cyclic distance from b to a.
// The result is positive when a comes after b in 16-bit cyclic order.
func Diff(a, b uint16) int16 {
	return int16(a - b)
}

// IsAhead reports whether a comes strictly after b in 16-bit cyclic order.
func IsAhead(a, b uint16) bool {
	return Diff(a, b) > 0
}

// IsBehind reports whether a comes strictly before b in 16-bit cyclic order.
func IsBehind(a, b uint16) bool {
	return Diff(a, b) < 0
}

// TimestampDiff returns the cyclic distance from b to a for 32-bit
// RTP timestamps.
func TimestampDiff(a, b uint32) int32 {
	return int32(a - b)
}

// Unwrapper computes a 64-bit monotonic sequence from a 16-bit
// wrap-around sequence number.
type Unwrapper struct {
	initialized bool
	last        uint16
	current     int64
}

// Unwrap returns the 64-bit sequence number corresponding to the given
// 16-bit sequence number. Values within half the cyclic range behind
// the last observed value unwrap backwards, everything else forwards.
func (u *Unwrapper) Unwrap(seq uint16) int64 {
	if !u.initialized {
		u.initialized = true
		u.last = seq
		u.current = int64(seq)
		return u.current
	}

	diff := Diff(seq, u.last)
	u.current += int64(diff)
	u.last = seq
	return u.current
}
