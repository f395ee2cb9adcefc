package audio

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// frameHeaderSize is seq(8) + sampleRate(4) + dataLen(4).
const frameHeaderSize = 16

// ErrFrameTooLarge is returned by [FrameQueue.Push] when a single frame can
// never fit into the queue.
var ErrFrameTooLarge = errors.New("audio: frame too large for queue")

// FrameQueue is a bounded, non-blocking FIFO of frames backed by a byte ring.
// When full, the oldest frames are discarded to make room, so a slow consumer
// never stalls the producer.
//
// FrameQueue is safe for concurrent use by one producer and one consumer.
type FrameQueue struct {
	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	ready   chan struct{}
	dropped uint64
}

// NewFrameQueue creates a queue holding at most capacity bytes of encoded
// frames.
func NewFrameQueue(capacity int) *FrameQueue {
	return &FrameQueue{
		rb:    ringbuffer.New(capacity).SetBlocking(false),
		ready: make(chan struct{}, 1),
	}
}

// Push appends f, evicting the oldest frames when needed. It returns the
// number of frames evicted.
func (q *FrameQueue) Push(f Frame) (int, error) {
	need := frameHeaderSize + len(f.Data)

	q.mu.Lock()
	defer q.mu.Unlock()

	if need > q.rb.Capacity() {
		return 0, ErrFrameTooLarge
	}

	evicted := 0
	for q.rb.Free() < need {
		if _, ok := q.popLocked(); !ok {
			q.rb.Reset()
			break
		}
		evicted++
	}
	q.dropped += uint64(evicted)

	buf := make([]byte, need)
	binary.LittleEndian.PutUint64(buf[0:], f.Seq)
	binary.LittleEndian.PutUint32(buf[8:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(f.Data)))
	copy(buf[frameHeaderSize:], f.Data)
	if _, err := q.rb.Write(buf); err != nil {
		return evicted, err
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Pop removes and returns the oldest frame.
func (q *FrameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *FrameQueue) popLocked() (Frame, bool) {
	if q.rb.IsEmpty() {
		return Frame{}, false
	}

	hdr := make([]byte, frameHeaderSize)
	if n, err := q.rb.Read(hdr); err != nil || n != frameHeaderSize {
		return Frame{}, false
	}
	size := int(binary.LittleEndian.Uint32(hdr[12:]))
	f := Frame{
		Seq:        binary.LittleEndian.Uint64(hdr[0:]),
		SampleRate: int(binary.LittleEndian.Uint32(hdr[8:])),
		Data:       make([]byte, size),
	}
	if size > 0 {
		if n, err := q.rb.Read(f.Data); err != nil || n != size {
			return Frame{}, false
		}
	}
	return f, true
}

// Ready returns a channel that receives a value after a Push into a queue
// that the consumer may have seen empty. Consumers should Pop until empty on
// every signal.
func (q *FrameQueue) Ready() <-chan struct{} { return q.ready }

// Dropped returns the total number of frames evicted by overflow.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Reset discards all queued frames.
func (q *FrameQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rb.Reset()
}
