//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// micBlock is the capture block size in frames, about 256 ms at 16 kHz and
// 85 ms at 48 kHz.
const micBlock = 4096

// OpenMicrophone opens the default PortAudio input device at its native
// rate. The caller must have called portaudio.Initialize.
func OpenMicrophone(ctx context.Context) (Source, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMicrophone, err)
	}
	m := &microphone{
		rate: int(dev.DefaultSampleRate),
		buf:  make([]float32, micBlock),
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = micBlock

	stream, err := portaudio.OpenStream(params, m.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %w", ErrNoMicrophone, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start stream: %w", ErrNoMicrophone, err)
	}
	m.stream = stream
	return m, nil
}

type microphone struct {
	stream *portaudio.Stream
	rate   int
	buf    []float32

	mu     sync.Mutex
	closed bool
}

func (m *microphone) Read(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("capture: microphone closed")
	}
	if err := m.stream.Read(); err != nil && err != portaudio.InputOverflowed {
		return nil, fmt.Errorf("capture: read microphone: %w", err)
	}
	return append([]float32(nil), m.buf...), nil
}

func (m *microphone) SampleRate() int { return m.rate }

func (m *microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.stream.Stop(); err != nil {
		m.stream.Close()
		return err
	}
	return m.stream.Close()
}
