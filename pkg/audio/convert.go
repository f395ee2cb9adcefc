package audio

import (
	"encoding/binary"
	"math"
)

const (
	maxInt16 = 32767
	minInt16 = -32768

	// pcmScale maps a [-1, 1] float sample onto the int16 range.
	pcmScale = 32768
)

// clamp16 rounds toward zero and clamps v into the int16 range.
func clamp16(v float64) int16 {
	if v > maxInt16 {
		return maxInt16
	}
	if v < minInt16 {
		return minInt16
	}
	return int16(v)
}

// Downsample16k converts float samples captured at rate into PCM16 at
// [CaptureRate].
//
// When rate already equals CaptureRate the samples are scaled 1:1. Otherwise
// output sample i is the mean of the input window
// [floor(i·ratio), floor((i+1)·ratio)) with ratio = rate/CaptureRate, so the
// output holds ceil(len(samples)/ratio) samples. An empty window (possible
// only when upsampling) falls back to the sample at the window start. Every
// output sample is clamped to the int16 range.
func Downsample16k(samples []float32, rate int) []int16 {
	if rate == CaptureRate || rate <= 0 {
		out := make([]int16, len(samples))
		for i, s := range samples {
			out[i] = clamp16(float64(s) * pcmScale)
		}
		return out
	}

	ratio := float64(rate) / CaptureRate
	n := int(math.Ceil(float64(len(samples)) / ratio))
	out := make([]int16, n)

	for i := range n {
		start := int(math.Floor(float64(i) * ratio))
		end := min(int(math.Floor(float64(i+1)*ratio)), len(samples))

		var sum float64
		count := 0
		for j := start; j < end; j++ {
			sum += float64(samples[j])
			count++
		}

		var v float64
		switch {
		case count > 0:
			v = sum / float64(count)
		case start < len(samples):
			v = float64(samples[start])
		}
		out[i] = clamp16(v * pcmScale)
	}
	return out
}

// EncodePCM16 serialises samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
	}
	return out
}

// MeanAbs returns the mean absolute sample value over every stride-th sample,
// starting at index 0. It returns 0 for empty input or stride < 1.
func MeanAbs(samples []int16, stride int) float64 {
	if len(samples) == 0 || stride < 1 {
		return 0
	}
	var sum float64
	count := 0
	for i := 0; i < len(samples); i += stride {
		sum += math.Abs(float64(samples[i]))
		count++
	}
	return sum / float64(count)
}
