package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/posvoice/pkg/audio"
)

func TestDownsample16k_NativeRate(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, -1, 1, 0.25}
	got := audio.Downsample16k(in, 16000)
	want := []int16{0, 16384, -16384, -32768, 32767, 8192}

	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownsample16k_BlockAverage(t *testing.T) {
	t.Parallel()

	// ratio 3: windows [0,3) [3,6) [6,9) [9,10).
	in := []float32{0.1, 0.2, 0.3, -0.3, -0.3, -0.3, 0, 0, 0, 0.5}
	got := audio.Downsample16k(in, 48000)
	scale := func(v float64) int16 { return int16(v * 32768) }
	want := []int16{scale(0.2), scale(-0.3), 0, scale(0.5)}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if d := int(got[i]) - int(want[i]); d < -1 || d > 1 {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownsample16k_LengthAndClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate int
		n    int
	}{
		{44100, 4096},
		{48000, 4096},
		{22050, 1000},
		{32000, 7},
	}
	for _, tc := range tests {
		in := make([]float32, tc.n)
		for i := range in {
			// Out-of-range input exercises clamping on both sides.
			in[i] = float32(2.5 * math.Sin(float64(i)))
		}
		got := audio.Downsample16k(in, tc.rate)

		ratio := float64(tc.rate) / 16000
		wantLen := int(math.Ceil(float64(tc.n) / ratio))
		if len(got) != wantLen {
			t.Errorf("rate %d: length got %d, want %d", tc.rate, len(got), wantLen)
		}
		for i, s := range got {
			if s > 32767 || s < -32768 {
				t.Fatalf("rate %d: sample %d out of range: %d", tc.rate, i, s)
			}
		}
	}
}

func TestDownsample16k_Empty(t *testing.T) {
	t.Parallel()

	if got := audio.Downsample16k(nil, 48000); len(got) != 0 {
		t.Errorf("expected empty output, got %d samples", len(got))
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 1234}
	out := audio.DecodePCM16(audio.EncodePCM16(in))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestMeanAbs_Stride(t *testing.T) {
	t.Parallel()

	samples := []int16{100, 9999, 9999, 9999, -300, 9999, 9999, 9999}
	if got := audio.MeanAbs(samples, 4); got != 200 {
		t.Errorf("MeanAbs stride 4: got %v, want 200", got)
	}
	if got := audio.MeanAbs(nil, 4); got != 0 {
		t.Errorf("MeanAbs empty: got %v, want 0", got)
	}
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Data: make([]byte, 2*2400), SampleRate: audio.ModelRate}
	if got := f.Duration().Milliseconds(); got != 100 {
		t.Errorf("Duration: got %dms, want 100ms", got)
	}
}
