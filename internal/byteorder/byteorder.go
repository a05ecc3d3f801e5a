package byteorder

import (
	"encoding/binary"
	"math"
)

// everything on the wire is little-endian. functions are named after what they
// do to a byte slice:
//
// Put*    = write into a pre-sized buffer
// Append* = grow and write
// (no prefix) = read from the front of a buffer

func AppendUint16(buf []byte, val uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, val)
}

func AppendUint32(buf []byte, val uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, val)
}

func AppendUint64(buf []byte, val uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, val)
}

func AppendFloat32(buf []byte, val float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(val))
}

func PutUint32(buf []byte, val uint32) {
	binary.LittleEndian.PutUint32(buf, val)
}

func PutUint64(buf []byte, val uint64) {
	binary.LittleEndian.PutUint64(buf, val)
}

func Uint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func Uint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func Uint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func Float32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}
