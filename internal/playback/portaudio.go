//go:build portaudio

package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/posvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*SpeakerOutput)(nil)

// speakerFrames is 40 ms of audio at the model rate.
const speakerFrames = 960

// SpeakerOutput plays segments on the default PortAudio output device at
// [audio.ModelRate]. Segments are written in start-time order; the device
// clock is the number of samples written so far. The caller must have called
// portaudio.Initialize.
type SpeakerOutput struct {
	stream *portaudio.Stream
	buf    []int16

	mu      sync.Mutex
	queue   []*speakerSource
	written time.Duration
	closed  bool
	done    chan struct{}
}

type speakerSource struct {
	at      time.Duration
	samples []int16
	onEnded func()

	owner   *SpeakerOutput
	stopped bool
}

// Stop implements [Source].
func (s *speakerSource) Stop() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.stopped = true
}

// NewSpeakerOutput opens and starts the default output stream.
func NewSpeakerOutput() (*SpeakerOutput, error) {
	o := &SpeakerOutput{
		buf:  make([]int16, speakerFrames),
		done: make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(audio.ModelRate), speakerFrames, o.buf)
	if err != nil {
		return nil, fmt.Errorf("playback: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("playback: start output stream: %w", err)
	}
	o.stream = stream
	go o.loop()
	return o, nil
}

// Now implements [Output].
func (o *SpeakerOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written + 1
}

// Start implements [Output].
func (o *SpeakerOutput) Start(seg audio.Frame, at time.Duration, onEnded func()) (Source, error) {
	if seg.SampleRate != audio.ModelRate {
		return nil, fmt.Errorf("playback: unsupported sample rate %d", seg.SampleRate)
	}
	src := &speakerSource{at: at, samples: audio.DecodePCM16(seg.Data), onEnded: onEnded, owner: o}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("playback: output closed")
	}
	o.queue = append(o.queue, src)
	o.mu.Unlock()
	return src, nil
}

// loop fills one device buffer at a time from the queue, writing silence
// while nothing is queued. The blocking stream write paces the loop.
func (o *SpeakerOutput) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		finished := o.fillLocked()
		o.written += time.Duration(len(o.buf)) * time.Second / audio.ModelRate
		o.mu.Unlock()

		for _, fn := range finished {
			fn()
		}
		if err := o.stream.Write(); err != nil {
			slog.Debug("playback: write", "err", err)
		}
	}
}

// fillLocked copies due samples into buf and returns the callbacks of
// sources that were fully consumed.
func (o *SpeakerOutput) fillLocked() []func() {
	var finished []func()
	n := 0
	for n < len(o.buf) && len(o.queue) > 0 {
		src := o.queue[0]
		if src.stopped {
			o.queue = o.queue[1:]
			continue
		}
		c := copy(o.buf[n:], src.samples)
		src.samples = src.samples[c:]
		n += c
		if len(src.samples) == 0 {
			o.queue = o.queue[1:]
			finished = append(finished, src.onEnded)
		}
	}
	clear(o.buf[n:])
	return finished
}

// Close stops the stream. Pending sources never report ended.
func (o *SpeakerOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	<-o.done

	if err := o.stream.Stop(); err != nil {
		return fmt.Errorf("playback: stop stream: %w", err)
	}
	return o.stream.Close()
}
