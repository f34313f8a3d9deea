package iiod

import "encoding/binary"

// DecodeIQ16 converts interleaved little-endian int16 I/Q pairs into complex
// samples, dividing each component by fullScale. Samples are taken at
// first + k*step until data runs out or dst is full.
func DecodeIQ16(dst []complex64, data []byte, first, step int, fullScale float32) int {
	if step < 4 || fullScale == 0 {
		return 0
	}
	n := 0
	for off := first; off+4 <= len(data) && n < len(dst); off += step {
		i := int16(binary.LittleEndian.Uint16(data[off:]))
		q := int16(binary.LittleEndian.Uint16(data[off+2:]))
		dst[n] = complex(float32(i)/fullScale, float32(q)/fullScale)
		n++
	}
	return n
}

// EncodeIQ16 is the inverse of DecodeIQ16 for a packed stream (step 4).
// Components are clamped to the int16 range after scaling.
func EncodeIQ16(samples []complex64, fullScale float32) []byte {
	out := make([]byte, len(samples)*4)
	for k, s := range samples {
		binary.LittleEndian.PutUint16(out[k*4:], uint16(clamp16(real(s)*fullScale)))
		binary.LittleEndian.PutUint16(out[k*4+2:], uint16(clamp16(imag(s)*fullScale)))
	}
	return out
}

func clamp16(v float32) int16 {
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	}
	return int16(v)
}
