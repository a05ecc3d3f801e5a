package zigzag_test

import (
	"math"
	"testing"

	"github.com/blukai/netrumble/internal/zigzag"
	"github.com/matryer/is"
)

func TestZigZag32(t *testing.T) {
	is := is.New(t)

	is.Equal(zigzag.Encode32(0), uint32(0))
	is.Equal(zigzag.Encode32(-1), uint32(1))
	is.Equal(zigzag.Encode32(1), uint32(2))
	is.Equal(zigzag.Encode32(math.MinInt32), uint32(math.MaxUint32))

	for _, n := range []int32{0, 1, -1, 42, -42, math.MaxInt32, math.MinInt32} {
		is.Equal(zigzag.Decode32(zigzag.Encode32(n)), n)
	}
}

func TestZigZag64(t *testing.T) {
	is := is.New(t)

	for _, n := range []int64{0, 1, -1, math.MaxInt64, math.MinInt64} {
		is.Equal(zigzag.Decode64(zigzag.Encode64(n)), n)
	}
}
