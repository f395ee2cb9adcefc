package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/posvoice/pkg/audio"
)

func TestFrameQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(1024)
	for i := range 3 {
		if _, err := q.Push(audio.Frame{Data: []byte{byte(i), 0}, SampleRate: 16000, Seq: uint64(i)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	for i := range 3 {
		f, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue unexpectedly empty", i)
		}
		if f.Seq != uint64(i) || f.Data[0] != byte(i) || f.SampleRate != 16000 {
			t.Errorf("Pop %d: got %+v", i, f)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestFrameQueue_DropsOldest(t *testing.T) {
	t.Parallel()

	// Each frame encodes to 16 + 16 bytes; capacity fits two.
	q := audio.NewFrameQueue(64)
	for i := range 3 {
		if _, err := q.Push(audio.Frame{Data: make([]byte, 16), Seq: uint64(i)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	if got := q.Dropped(); got != 1 {
		t.Errorf("Dropped: got %d, want 1", got)
	}
	f, ok := q.Pop()
	if !ok || f.Seq != 1 {
		t.Errorf("first frame after overflow: got seq %d ok=%v, want 1", f.Seq, ok)
	}
}

func TestFrameQueue_TooLarge(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(32)
	_, err := q.Push(audio.Frame{Data: make([]byte, 64)})
	if !errors.Is(err, audio.ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameQueue_ReadySignal(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(256)
	if _, err := q.Push(audio.Frame{Data: []byte{1, 2}}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal after Push")
	}
}
