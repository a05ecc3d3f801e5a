package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/blukai/netrumble/internal/byteorder"
	"github.com/blukai/netrumble/internal/zigzag"
)

var ErrFieldTooLong = errors.New("field too long")

// writer accumulates fields; the first failure sticks and is reported by
// bytes().
type writer struct {
	buf []byte
	err error
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
	} else {
		w.uint8(0)
	}
}

func (w *writer) uint16(v uint16) {
	w.buf = byteorder.AppendUint16(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = byteorder.AppendUint32(w.buf, v)
}

func (w *writer) uint64(v uint64) {
	w.buf = byteorder.AppendUint64(w.buf, v)
}

func (w *writer) int32(v int32) {
	w.uint32(zigzag.Encode32(v))
}

func (w *writer) float32(v float32) {
	w.buf = byteorder.AppendFloat32(w.buf, v)
}

func (w *writer) vector2(v Vector2) {
	w.float32(v.X)
	w.float32(v.Y)
}

func (w *writer) count(n int) {
	if n > math.MaxUint16 {
		w.fail(fmt.Errorf("%w: %d elements", ErrFieldTooLong, n))
		return
	}
	w.uint16(uint16(n))
}

func (w *writer) bytes(b []byte) {
	w.count(len(b))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) {
	w.count(len(s))
	w.buf = append(w.buf, s...)
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) result() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// reader consumes fields from the front of a payload. running past the end
// sets ErrMalformedMessage and every later read returns zero values. trailing
// bytes are left alone so newer peers may append fields.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < n {
		r.err = fmt.Errorf(
			"%w: need %d bytes at offset %d; have %d",
			ErrMalformedMessage, n, r.off, len(r.data)-r.off,
		)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	return r.uint8() != 0
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return byteorder.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return byteorder.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return byteorder.Uint64(b)
}

func (r *reader) int32() int32 {
	return zigzag.Decode32(r.uint32())
}

func (r *reader) float32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return byteorder.Float32(b)
}

func (r *reader) vector2() Vector2 {
	return Vector2{X: r.float32(), Y: r.float32()}
}

func (r *reader) count() int {
	return int(r.uint16())
}

// bytes returns a copy so decoded bodies never alias transport buffers. empty
// blobs decode as nil.
func (r *reader) bytes() []byte {
	n := r.count()
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) string() string {
	n := r.count()
	return string(r.take(n))
}

// fits checks that n elements of size bytes each can still be read, so a
// bogus count never drives a large allocation.
func (r *reader) fits(n, size int) bool {
	if r.err != nil {
		return false
	}
	if n*size > len(r.data)-r.off {
		r.err = fmt.Errorf(
			"%w: %d elements of %d bytes at offset %d; have %d",
			ErrMalformedMessage, n, size, r.off, len(r.data)-r.off,
		)
		return false
	}
	return true
}
