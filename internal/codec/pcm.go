// Package codec converts between device float samples, 16-bit PCM and the
// base64 text carried inside protocol frames. All functions are pure.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"voice-client/internal/domain"
)

// FloatToPCM16 maps s in [-1, 1] to round(s<0 ? s*32768 : s*32767), clamped
// to the int16 range.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(float64(s))
	}
	return out
}

func floatToInt16(s float64) int16 {
	if math.IsNaN(s) {
		return 0
	}
	var v float64
	if s < 0 {
		v = math.Round(s * 32768)
	} else {
		v = math.Round(s * 32767)
	}
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// PCM16Bytes serializes samples little-endian.
func PCM16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesPCM16 parses little-endian PCM16. An odd byte count is a decode error.
func BytesPCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", domain.ErrDecode, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// EncodeFrame turns device samples into the wire's base64 PCM16 text.
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(PCM16Bytes(FloatToPCM16(samples)))
}

// DecodeFrame turns a wire frame back into device samples.
func DecodeFrame(frame string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	pcm, err := BytesPCM16(raw)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat(pcm), nil
}

// Duration returns the playback length in seconds of n samples at rate.
func Duration(n, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}
