package protocol

import (
	"encoding/binary"
	"math"
	"sync"
)

// A data frame is a flat little-endian float64 array: element 0 is the
// sender's simulation clock, the rest are attribute components in
// declaration order.

const floatSize = 8

var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 64*floatSize)
		return &b
	},
}

func getFrameBuf(n int) *[]byte {
	bp := framePool.Get().(*[]byte)
	if cap(*bp) < n {
		*bp = make([]byte, 0, n)
	}
	*bp = (*bp)[:0]
	return bp
}

func putFrameBuf(bp *[]byte) {
	framePool.Put(bp)
}

// AppendFrame appends the encoding of [t] ++ rows... to dst.
func AppendFrame(dst []byte, t float64, rows ...[]float64) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(t))
	for _, row := range rows {
		for _, v := range row {
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
		}
	}
	return dst
}

// DecodeFrame splits a frame into its clock and values. values is appended
// to dst.
func DecodeFrame(data []byte, dst []float64) (float64, []float64, error) {
	if len(data) < floatSize || len(data)%floatSize != 0 {
		return 0, dst, malformed("frame", "length %d is not a positive multiple of %d", len(data), floatSize)
	}
	t := math.Float64frombits(binary.LittleEndian.Uint64(data))
	for off := floatSize; off < len(data); off += floatSize {
		dst = append(dst, math.Float64frombits(binary.LittleEndian.Uint64(data[off:])))
	}
	return t, dst, nil
}

// FrameLen is the number of floats in a frame, clock included.
func FrameLen(data []byte) int {
	return len(data) / floatSize
}

// Terminated reports whether a clock value signals a dropped session.
func Terminated(t float64) bool {
	return math.IsNaN(t) || t < 0
}
