// Package audio provides a bounded jitter buffer sitting between the
// websocket ingest path and the streaming transcription connection.
package audio

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

var (
	ErrShortFrame = errors.New("audio: frame shorter than header")
	ErrRingFull   = errors.New("audio: ring buffer full")
)

// Ring buffers serialized frames in a fixed byte arena. When the arena
// cannot take another frame the oldest frames are dropped first; audio
// freshness matters more than completeness on this path.
type Ring struct {
	mu    sync.Mutex
	rb    *ringbuffer.RingBuffer
	size  int
	count int
}

func NewRing(sizeBytes int) *Ring {
	return &Ring{
		rb:   ringbuffer.New(sizeBytes),
		size: sizeBytes,
	}
}

func (r *Ring) Capacity() int {
	return r.size
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Enqueue appends a frame, evicting oldest frames until it fits. A frame
// larger than the whole arena is rejected.
func (r *Ring) Enqueue(f Frame) error {
	payload, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	record := make([]byte, 4+len(payload))
	putLen(record, len(payload))
	copy(record[4:], payload)

	if len(record) > r.size {
		return ErrRingFull
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.rb.Free() < len(record) {
		if !r.dequeueLocked() {
			return ErrRingFull
		}
	}
	if _, err := r.rb.Write(record); err != nil {
		return err
	}
	r.count++
	return nil
}

// Dequeue pops the oldest frame.
func (r *Ring) Dequeue() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hdr [4]byte
	if n, err := r.rb.Read(hdr[:]); err != nil || n != 4 {
		return Frame{}, false
	}
	payload := make([]byte, getLen(hdr[:]))
	if _, err := r.rb.Read(payload); err != nil {
		return Frame{}, false
	}
	r.count--

	var f Frame
	if err := f.UnmarshalBinary(payload); err != nil {
		return Frame{}, false
	}
	return f, true
}

// Reset discards all buffered frames.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rb.Reset()
	r.count = 0
}

func (r *Ring) dequeueLocked() bool {
	var hdr [4]byte
	if n, err := r.rb.Read(hdr[:]); err != nil || n != 4 {
		return false
	}
	payload := make([]byte, getLen(hdr[:]))
	if _, err := r.rb.Read(payload); err != nil {
		return false
	}
	r.count--
	return true
}

func putLen(b []byte, n int) {
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
	b[3] = byte(n >> 24)
}

func getLen(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}
