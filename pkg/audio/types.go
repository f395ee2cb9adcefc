// Package audio holds the PCM16 framing primitives shared by capture, the
// duplex channel and playback.
//
// All audio handled here is 16-bit signed little-endian mono. Outbound frames
// are produced at [CaptureRate]; inbound model audio arrives at [ModelRate].
package audio

import "time"

const (
	// CaptureRate is the sample rate of every frame sent to the remote service.
	CaptureRate = 16000

	// ModelRate is the sample rate of synthesised audio received from the
	// remote service.
	ModelRate = 24000

	// bytesPerSample is the width of one PCM16 sample.
	bytesPerSample = 2
)

// Frame is an ordered chunk of PCM16 mono samples at a fixed rate. Frames are
// created once per capture tick or inbound message and consumed once.
type Frame struct {
	// Data is little-endian PCM16.
	Data []byte

	// SampleRate in Hz (CaptureRate outbound, ModelRate inbound).
	SampleRate int

	// Seq is a monotonically increasing ordering hint. It is used only for
	// playback ordering, never for deduplication.
	Seq uint64
}

// Samples returns the number of PCM16 samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / bytesPerSample
}

// Duration returns the playback length of the frame. A zero or negative
// sample rate yields zero.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
