package byteorder_test

import (
	"math"
	"testing"

	"github.com/blukai/netrumble/internal/byteorder"
	"github.com/matryer/is"
)

func TestLittleEndian(t *testing.T) {
	is := is.New(t)

	buf := byteorder.AppendUint32(nil, 0x01020304)
	is.Equal(buf, []byte{0x04, 0x03, 0x02, 0x01})
	is.Equal(byteorder.Uint32(buf), uint32(0x01020304))

	buf = byteorder.AppendUint64(nil, math.MaxUint64)
	is.Equal(len(buf), 8)
	is.Equal(byteorder.Uint64(buf), uint64(math.MaxUint64))

	buf = byteorder.AppendUint16(nil, 0xbeef)
	is.Equal(byteorder.Uint16(buf), uint16(0xbeef))
}

func TestFloat32(t *testing.T) {
	is := is.New(t)

	for _, f := range []float32{0, -1.5, 3.25, math.MaxFloat32, math.SmallestNonzeroFloat32} {
		buf := byteorder.AppendFloat32(nil, f)
		is.Equal(len(buf), 4)
		is.Equal(byteorder.Float32(buf), f)
	}
}
