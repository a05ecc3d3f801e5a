package zigzag

// zigzag maps signed integers onto unsigned ones so that values close to zero
// stay small (0 -> 0, -1 -> 1, 1 -> 2, -2 -> 3, ...). scores and other signed
// counters go over the wire in this form.
//
// same transform as valve's tier1/bitbuf.h and protobuf's sint32/sint64.

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}

func Encode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func Decode64(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}
