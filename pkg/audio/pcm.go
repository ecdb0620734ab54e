package audio

import (
	"fmt"
	"math"
)

// FullScale is the symmetric PCM16 full-scale value used for both encode and
// decode. The remote service uses a symmetric encoder, so -32768 is never
// produced.
const FullScale = 32767

// EncodePCM16 converts a block of normalized float samples to little-endian
// signed 16-bit PCM. Each sample is scaled by [FullScale], rounded to the
// nearest integer, and clamped to [-32767, 32767]. The output is always
// exactly 2×len(block) bytes.
//
// NaN or Inf inputs are undefined behavior; capture devices do not produce
// them.
func EncodePCM16(block []float32) []byte {
	out := make([]byte, len(block)*2)
	for i, s := range block {
		v := int32(math.Round(float64(s) * FullScale))
		if v > FullScale {
			v = FullScale
		} else if v < -FullScale {
			v = -FullScale
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM bytes to normalized
// float samples by dividing by [FullScale]. Returns an error if the byte
// count is odd (corrupt chunk).
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio: odd byte count %d in PCM data", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i] = float32(s) / FullScale
	}
	return out, nil
}

// RMS returns the root-mean-square amplitude of a block of normalized
// samples. Returns 0 for an empty block.
func RMS(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(block)))
}
